package pod

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshpod/meshpod/internal/arbo"
	"github.com/meshpod/meshpod/internal/clock"
	"github.com/meshpod/meshpod/internal/diskmgr/memdisk"
)

func TestIndexMountPointAssignsSequentialIDs(t *testing.T) {
	disk := memdisk.New(1 << 20)
	require.NoError(t, disk.NewDir("/docs", 0o755))
	require.NoError(t, disk.NewFile("/docs/a.txt", 0o644))
	_, err := disk.WriteFile("/docs/a.txt", []byte("hello"), 0)
	require.NoError(t, err)
	require.NoError(t, disk.NewFile("/root.txt", 0o644))

	clk := clock.NewSimulated(time.Unix(0, 0))
	tree := arbo.New(clk, time.Second)

	next, err := IndexMountPoint(tree, disk, "self:9000", clk)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, next, arbo.FirstFreeID)

	docs, err := tree.GetInodeChildByName(arbo.RootID, "docs")
	require.NoError(t, err)
	assert.True(t, docs.IsDir())

	file, err := tree.GetInodeChildByName(docs.ID, "a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 5, file.Meta.Size)

	root, err := tree.GetInodeChildByName(arbo.RootID, "root.txt")
	require.NoError(t, err)
	assert.False(t, root.IsDir())
}

func TestIndexMountPointEmptyDisk(t *testing.T) {
	disk := memdisk.New(1 << 20)
	clk := clock.NewSimulated(time.Unix(0, 0))
	tree := arbo.New(clk, time.Second)

	next, err := IndexMountPoint(tree, disk, "self:9000", clk)
	require.NoError(t, err)
	assert.Equal(t, arbo.FirstFreeID, next)
}
