//go:build !linux

package service

import (
	"fmt"
	"runtime"

	"github.com/meshpod/meshpod/internal/fsi"
)

type mountedFS struct{}

func mountFS(dir string, fs *fsi.Interface) (*mountedFS, error) {
	return nil, fmt.Errorf("service: FUSE mounting is not supported on %s", runtime.GOOS)
}

func (m *mountedFS) unmount() error {
	return nil
}
