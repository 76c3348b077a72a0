//go:build linux

package service

import (
	"context"

	"github.com/jacobsa/fuse"

	"github.com/meshpod/meshpod/internal/fsi"
	"github.com/meshpod/meshpod/internal/fuseadapter"
)

// mountedFS is the live FUSE mount returned by mountFS, kept only so
// Daemon can unmount it during shutdown.
type mountedFS struct {
	mfs *fuse.MountedFileSystem
}

func mountFS(dir string, fs *fsi.Interface) (*mountedFS, error) {
	adapter := fuseadapter.New(fs)
	mfs, err := fuseadapter.Mount(dir, adapter, &fuse.MountConfig{})
	if err != nil {
		return nil, err
	}
	return &mountedFS{mfs: mfs}, nil
}

func (m *mountedFS) unmount() error {
	if m == nil || m.mfs == nil {
		return nil
	}
	if err := fuse.Unmount(m.mfs.Dir()); err != nil {
		return err
	}
	return m.mfs.Join(context.Background())
}
