//go:build linux

package fuseadapter

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/meshpod/meshpod/internal/arbo"
	"github.com/meshpod/meshpod/internal/fsi"
)

func TestAttrsFromMeta(t *testing.T) {
	now := time.Now()
	meta := arbo.Metadata{Size: 42, Nlink: 1, Perm: 0644, Kind: arbo.FileType, Mtime: now}
	attrs := attrsFromMeta(meta)
	assert.EqualValues(t, 42, attrs.Size)
	assert.Equal(t, now, attrs.Mtime)
	assert.False(t, attrs.Mode.IsDir())

	dirMeta := arbo.Metadata{Perm: 0755, Kind: arbo.DirectoryType}
	dirAttrs := attrsFromMeta(dirMeta)
	assert.True(t, dirAttrs.Mode.IsDir())
}

func TestErrnoFor(t *testing.T) {
	assert.Nil(t, errnoFor(nil))
	assert.Equal(t, syscall.ENOTDIR, errnoFor(arbo.ErrNotADirectory))
	assert.Equal(t, syscall.EISDIR, errnoFor(fsi.ErrIsDirectory))
	assert.Equal(t, syscall.EACCES, errnoFor(fsi.ErrPermissionDenied))
	assert.Equal(t, syscall.EBADF, errnoFor(fsi.ErrHandleNotFound))
	assert.Equal(t, syscall.EIO, errnoFor(assert.AnError))
}

func TestIDConversion(t *testing.T) {
	id := toInodeID(11)
	assert.Equal(t, uint64(11), toID(id))
}
