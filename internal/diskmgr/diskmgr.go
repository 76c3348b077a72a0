// Package diskmgr abstracts per-file I/O on a pod's local mirror
// directory: one interface, two implementations (a real one and an
// in-memory one for tests), no caller ever imports an implementation
// package directly except at wiring time in cmd/meshpod.
package diskmgr

import (
	"errors"
	"io/fs"
)

// Sentinel errors returned by every implementation, so callers never
// need to type-assert on a concrete implementation's error type.
var (
	ErrNotExist = errors.New("diskmgr: path does not exist")
	ErrExist    = errors.New("diskmgr: path already exists")
	ErrIsDir    = errors.New("diskmgr: path is a directory")
	ErrNotDir   = errors.New("diskmgr: path is not a directory")
	ErrNotEmpty = errors.New("diskmgr: directory is not empty")
)

// SizeInfo reports free-space accounting for the mirror root.
type SizeInfo struct {
	FreeBytes      uint64
	TotalBytesUsed uint64
}

// Interface is implemented once per platform (osdisk) and once in
// memory (memdisk). Every path is relative to the implementation's
// configured root.
type Interface interface {
	NewFile(path string, perm fs.FileMode) error
	NewDir(path string, perm fs.FileMode) error
	RemoveFile(path string) error
	RemoveDir(path string) error
	MvFile(oldPath, newPath string) error

	// WriteFile writes b at offset, extending the file if needed, and
	// returns the number of bytes written.
	WriteFile(path string, b []byte, offset int64) (int, error)
	// ReadFile reads into buf starting at offset, returning the number
	// of bytes read; it may return fewer than len(buf) at EOF.
	ReadFile(path string, offset int64, buf []byte) (int, error)
	SetFileSize(path string, n int64) error

	SetPermissions(path string, perm fs.FileMode) error

	SizeInfo() (SizeInfo, error)
}
