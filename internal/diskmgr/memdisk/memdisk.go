// Package memdisk implements diskmgr.Interface entirely in memory, on
// top of github.com/spf13/afero's MemMapFs, for tests that need a
// mirror directory without touching the real filesystem.
package memdisk

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/meshpod/meshpod/internal/diskmgr"
)

// Disk is an in-memory diskmgr.Interface. Unlike osdisk, it also
// tracks total bytes used directly (afero.MemMapFs has no notion of
// disk quota), with saturating subtraction on remove/truncate so the
// counter never underflows below zero.
type Disk struct {
	fs afero.Fs

	mu        sync.Mutex
	usedBytes uint64
	quota     uint64
}

// New returns an empty in-memory Disk with the given total quota, used
// for SizeInfo's FreeBytes/TotalBytesUsed accounting only; writes are
// never rejected for exceeding it.
func New(quota uint64) *Disk {
	return &Disk{fs: afero.NewMemMapFs(), quota: quota}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, afero.ErrFileNotFound), errors.Is(err, fs.ErrNotExist):
		return diskmgr.ErrNotExist
	case errors.Is(err, fs.ErrExist):
		return diskmgr.ErrExist
	default:
		return err
	}
}

func (d *Disk) NewFile(path string, perm fs.FileMode) error {
	if exists, _ := afero.Exists(d.fs, path); exists {
		return diskmgr.ErrExist
	}
	if info, err := d.fs.Stat(filepath.Dir(path)); err != nil {
		return translate(err)
	} else if !info.IsDir() {
		return diskmgr.ErrNotDir
	}
	f, err := d.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return translate(err)
	}
	return f.Close()
}

func (d *Disk) NewDir(path string, perm fs.FileMode) error {
	if exists, _ := afero.Exists(d.fs, path); exists {
		return diskmgr.ErrExist
	}
	return translate(d.fs.Mkdir(path, perm))
}

func (d *Disk) RemoveFile(path string) error {
	info, err := d.fs.Stat(path)
	if err != nil {
		return translate(err)
	}
	if info.IsDir() {
		return diskmgr.ErrIsDir
	}
	d.mu.Lock()
	d.usedBytes = saturatingSub(d.usedBytes, uint64(info.Size()))
	d.mu.Unlock()
	return translate(d.fs.Remove(path))
}

func (d *Disk) RemoveDir(path string) error {
	info, err := d.fs.Stat(path)
	if err != nil {
		return translate(err)
	}
	if !info.IsDir() {
		return diskmgr.ErrNotDir
	}
	children, err := afero.ReadDir(d.fs, path)
	if err != nil {
		return translate(err)
	}
	if len(children) > 0 {
		return diskmgr.ErrNotEmpty
	}
	return translate(d.fs.Remove(path))
}

// MvFile renames old to new, recursively: afero.MemMapFs's own Rename
// moves the whole subtree in one step.
func (d *Disk) MvFile(oldPath, newPath string) error {
	return translate(d.fs.Rename(oldPath, newPath))
}

func (d *Disk) WriteFile(path string, b []byte, offset int64) (int, error) {
	info, err := d.fs.Stat(path)
	if err != nil {
		return 0, translate(err)
	}
	if info.IsDir() {
		return 0, diskmgr.ErrIsDir
	}
	f, err := d.fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, translate(err)
	}
	defer f.Close()

	before := info.Size()
	n, err := f.WriteAt(b, offset)
	if err != nil {
		return n, translate(err)
	}

	after := offset + int64(n)
	if after > before {
		d.mu.Lock()
		d.usedBytes += uint64(after - before)
		d.mu.Unlock()
	}
	return n, nil
}

func (d *Disk) ReadFile(path string, offset int64, buf []byte) (int, error) {
	info, err := d.fs.Stat(path)
	if err != nil {
		return 0, translate(err)
	}
	if info.IsDir() {
		return 0, diskmgr.ErrIsDir
	}
	f, err := d.fs.Open(path)
	if err != nil {
		return 0, translate(err)
	}
	defer f.Close()

	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, translate(err)
	}
	return n, nil
}

func (d *Disk) SetFileSize(path string, n int64) error {
	info, err := d.fs.Stat(path)
	if err != nil {
		return translate(err)
	}
	if info.IsDir() {
		return diskmgr.ErrIsDir
	}
	before := info.Size()
	f, err := d.fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return translate(err)
	}
	defer f.Close()
	if err := f.Truncate(n); err != nil {
		return translate(err)
	}

	d.mu.Lock()
	if n >= before {
		d.usedBytes += uint64(n - before)
	} else {
		d.usedBytes = saturatingSub(d.usedBytes, uint64(before-n))
	}
	d.mu.Unlock()
	return nil
}

func (d *Disk) SetPermissions(path string, perm fs.FileMode) error {
	return translate(d.fs.Chmod(path, perm))
}

func (d *Disk) SizeInfo() (diskmgr.SizeInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	used := d.usedBytes
	var free uint64
	if d.quota > used {
		free = d.quota - used
	}
	return diskmgr.SizeInfo{FreeBytes: free, TotalBytesUsed: used}, nil
}

// Walk visits every entry in the in-memory filesystem, depth-first and
// parent-before-child, skipping the root — the memdisk counterpart of
// osdisk.Disk.Walk, so tests can exercise mount-point indexing without
// a real filesystem.
func (d *Disk) Walk(fn func(relPath string, isDir bool, perm fs.FileMode, size int64) error) error {
	return afero.Walk(d.fs, "/", func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == "/" || p == "" {
			return nil
		}
		return fn(strings.TrimPrefix(p, "/"), info.IsDir(), info.Mode().Perm(), info.Size())
	})
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

var _ diskmgr.Interface = (*Disk)(nil)
