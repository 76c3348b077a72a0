// Package osdisk implements diskmgr.Interface against the real host
// filesystem, rooted at a configured mount point, with extended
// attributes backed by github.com/pkg/xattr and free-space accounting
// backed by golang.org/x/sys/unix.Statfs.
package osdisk

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/xattr"
	"golang.org/x/sys/unix"

	"github.com/meshpod/meshpod/internal/diskmgr"
)

// Disk is an osdisk-backed diskmgr.Interface rooted at Root.
type Disk struct {
	Root string
}

// New returns a Disk rooted at root. The root directory must already
// exist; Disk never creates it.
func New(root string) *Disk {
	return &Disk{Root: root}
}

func (d *Disk) abs(relPath string) string {
	return filepath.Join(d.Root, filepath.FromSlash(relPath))
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist):
		return diskmgr.ErrNotExist
	case errors.Is(err, unix.ENOTEMPTY):
		return diskmgr.ErrNotEmpty
	case errors.Is(err, os.ErrExist):
		return diskmgr.ErrExist
	default:
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			if errors.Is(pathErr.Err, unix.ENOTEMPTY) {
				return diskmgr.ErrNotEmpty
			}
			if errors.Is(pathErr.Err, unix.ENOTDIR) {
				return diskmgr.ErrNotDir
			}
			if errors.Is(pathErr.Err, unix.EISDIR) {
				return diskmgr.ErrIsDir
			}
		}
		return err
	}
}

func (d *Disk) NewFile(relPath string, perm fs.FileMode) error {
	f, err := os.OpenFile(d.abs(relPath), os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return translate(err)
	}
	return f.Close()
}

func (d *Disk) NewDir(relPath string, perm fs.FileMode) error {
	return translate(os.Mkdir(d.abs(relPath), perm))
}

func (d *Disk) RemoveFile(relPath string) error {
	info, err := os.Stat(d.abs(relPath))
	if err != nil {
		return translate(err)
	}
	if info.IsDir() {
		return diskmgr.ErrIsDir
	}
	return translate(os.Remove(d.abs(relPath)))
}

func (d *Disk) RemoveDir(relPath string) error {
	info, err := os.Stat(d.abs(relPath))
	if err != nil {
		return translate(err)
	}
	if !info.IsDir() {
		return diskmgr.ErrNotDir
	}
	return translate(os.Remove(d.abs(relPath)))
}

func (d *Disk) MvFile(oldRelPath, newRelPath string) error {
	return translate(os.Rename(d.abs(oldRelPath), d.abs(newRelPath)))
}

func (d *Disk) WriteFile(relPath string, b []byte, offset int64) (int, error) {
	f, err := os.OpenFile(d.abs(relPath), os.O_WRONLY, 0)
	if err != nil {
		return 0, translate(err)
	}
	defer f.Close()

	n, err := f.WriteAt(b, offset)
	if err != nil {
		return n, translate(err)
	}
	return n, nil
}

func (d *Disk) ReadFile(relPath string, offset int64, buf []byte) (int, error) {
	f, err := os.Open(d.abs(relPath))
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

func (d *Disk) SetFileSize(relPath string, n int64) error {
	return translate(os.Truncate(d.abs(relPath), n))
}

func (d *Disk) SetPermissions(relPath string, perm fs.FileMode) error {
	return translate(os.Chmod(d.abs(relPath), perm))
}

func (d *Disk) SizeInfo() (diskmgr.SizeInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(d.Root, &st); err != nil {
		return diskmgr.SizeInfo{}, err
	}
	blockSize := uint64(st.Bsize)
	total := st.Blocks * blockSize
	free := st.Bavail * blockSize
	return diskmgr.SizeInfo{
		FreeBytes:      free,
		TotalBytesUsed: total - free,
	}, nil
}

// Walk visits every entry under the disk's root, depth-first and
// parent-before-child, skipping the root itself — used once at pod
// startup to index a mount point's pre-existing contents into a fresh
// arbo.
func (d *Disk) Walk(fn func(relPath string, isDir bool, perm fs.FileMode, size int64) error) error {
	return filepath.WalkDir(d.Root, func(p string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == d.Root {
			return nil
		}
		rel, err := filepath.Rel(d.Root, p)
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), entry.IsDir(), info.Mode().Perm(), info.Size())
	})
}

// SetXAttr sets a real extended attribute on the file at relPath,
// backing internal/fsi's xattr passthrough for the local mirror.
func (d *Disk) SetXAttr(relPath, key string, value []byte) error {
	return translate(xattr.Set(d.abs(relPath), key, value))
}

// GetXAttr reads a real extended attribute from the file at relPath.
func (d *Disk) GetXAttr(relPath, key string) ([]byte, error) {
	v, err := xattr.Get(d.abs(relPath), key)
	if err != nil {
		return nil, translate(err)
	}
	return v, nil
}

// RemoveXAttr removes a real extended attribute from the file at relPath.
func (d *Disk) RemoveXAttr(relPath, key string) error {
	return translate(xattr.Remove(d.abs(relPath), key))
}

var _ diskmgr.Interface = (*Disk)(nil)
