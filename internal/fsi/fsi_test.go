package fsi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshpod/meshpod/internal/arbo"
	"github.com/meshpod/meshpod/internal/callback"
	"github.com/meshpod/meshpod/internal/clock"
	"github.com/meshpod/meshpod/internal/diskmgr/memdisk"
	"github.com/meshpod/meshpod/internal/network"
	"github.com/meshpod/meshpod/internal/peer"
	"github.com/meshpod/meshpod/internal/redundancy"
)

func newTestFsi(t *testing.T) *Interface {
	t.Helper()
	clk := clock.NewSimulated(time.Unix(1700000000, 0))
	tree := arbo.New(clk, time.Second)
	peers := peer.NewList(time.Second)
	disk := memdisk.New(1 << 20)
	cbs := callback.NewRegistry()
	redundancyOut := make(chan redundancy.Message, 16)
	net := network.New(tree, peers, disk, cbs, "self:9000", 2, redundancyOut, arbo.FirstFreeID)
	return New(net, disk, clk)
}

func TestMakeInodeCreatesFileWithSelfAsSoleHost(t *testing.T) {
	f := newTestFsi(t)
	inode, err := f.MakeInode(arbo.RootID, "hello.txt", arbo.FileType)
	require.NoError(t, err)
	assert.Equal(t, []string{"self:9000"}, inode.Entry.Hosts)

	_, err = f.Disk.ReadFile("/hello.txt", 0, make([]byte, 0))
	assert.NoError(t, err)
}

func TestMakeInodeUsesReservedIDForGlobalConfig(t *testing.T) {
	f := newTestFsi(t)
	inode, err := f.MakeInode(arbo.RootID, ".global_config.toml", arbo.FileType)
	require.NoError(t, err)
	assert.Equal(t, arbo.GlobalConfigID, inode.ID)
}

func TestMakeInodeRollsBackArboOnDiskFailure(t *testing.T) {
	f := newTestFsi(t)
	_, err := f.MakeInode(arbo.RootID, "dup.txt", arbo.FileType)
	require.NoError(t, err)

	// Force a disk-level collision by reusing a name the disk layer
	// already has, from a different (pre-populated) inode ID, so the
	// arbo accepts the insert but disk.NewFile fails on EEXIST.
	require.NoError(t, f.Net.Tree.AddInode(&arbo.Inode{
		ID: 999, Parent: arbo.RootID, Name: "ghost.txt", Entry: arbo.NewFileEntry("self:9000"),
	}))
	require.NoError(t, f.Disk.NewFile("/ghost.txt", 0644))
	require.NoError(t, f.Net.UnregisterInode(999))

	inode, err := f.MakeInode(arbo.RootID, "ghost.txt", arbo.FileType)
	require.Error(t, err)
	assert.Nil(t, inode)

	_, getErr := f.Net.Tree.GetInodeChildByName(arbo.RootID, "ghost.txt")
	assert.Error(t, getErr, "arbo entry must be rolled back after disk failure")
}

func TestRemoveInodeRejectsNonEmptyDirectory(t *testing.T) {
	f := newTestFsi(t)
	dir, err := f.MakeInode(arbo.RootID, "sub", arbo.DirectoryType)
	require.NoError(t, err)
	_, err = f.MakeInode(dir.ID, "child.txt", arbo.FileType)
	require.NoError(t, err)

	err = f.RemoveInode(dir.ID)
	assert.ErrorIs(t, err, arbo.ErrDirectoryNotEmpty)
}

func TestOpenWriteReadRoundTrips(t *testing.T) {
	f := newTestFsi(t)
	inode, err := f.MakeInode(arbo.RootID, "data.txt", arbo.FileType)
	require.NoError(t, err)

	h, err := f.Open(inode.ID, ReadWrite, OpenFlags{})
	require.NoError(t, err)

	n, err := f.Write(inode.ID, []byte("hello"), 0, h.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = f.ReadFile(context.Background(), inode.ID, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	got, err := f.Net.Tree.GetInode(inode.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Meta.Size)
	assert.Equal(t, []string{"self:9000"}, got.Entry.Hosts)
}

func TestWriteRejectsReadOnlyHandle(t *testing.T) {
	f := newTestFsi(t)
	inode, err := f.MakeInode(arbo.RootID, "ro.txt", arbo.FileType)
	require.NoError(t, err)

	h, err := f.Open(inode.ID, ReadOnly, OpenFlags{})
	require.NoError(t, err)

	_, err = f.Write(inode.ID, []byte("x"), 0, h.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestReleaseRemovesHandle(t *testing.T) {
	f := newTestFsi(t)
	inode, err := f.MakeInode(arbo.RootID, "d.txt", arbo.FileType)
	require.NoError(t, err)

	h, err := f.Open(inode.ID, ReadOnly, OpenFlags{})
	require.NoError(t, err)
	require.NoError(t, f.Release(h.ID, inode.ID))

	_, err = f.Write(inode.ID, nil, 0, h.ID)
	assert.ErrorIs(t, err, ErrHandleNotFound, "handle must be gone after release")
}

func TestSetattrMergesSizeAndBumpsTimes(t *testing.T) {
	f := newTestFsi(t)
	inode, err := f.MakeInode(arbo.RootID, "s.txt", arbo.FileType)
	require.NoError(t, err)

	size := int64(100)
	meta, err := f.Setattr(inode.ID, SetattrOptions{Size: &size}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), meta.Size)
	assert.True(t, meta.Mtime.After(inode.Meta.Mtime) || meta.Mtime.Equal(inode.Meta.Mtime))
}

func TestRenameOrdinaryFile(t *testing.T) {
	f := newTestFsi(t)
	dir, err := f.MakeInode(arbo.RootID, "dir", arbo.DirectoryType)
	require.NoError(t, err)
	file, err := f.MakeInode(arbo.RootID, "a.txt", arbo.FileType)
	require.NoError(t, err)

	require.NoError(t, f.Rename(arbo.RootID, dir.ID, "a.txt", "b.txt", false))

	moved, err := f.Net.Tree.GetInodeChildByName(dir.ID, "b.txt")
	require.NoError(t, err)
	assert.Equal(t, file.ID, moved.ID)

	_, err = f.Disk.ReadFile("/dir/b.txt", 0, make([]byte, 0))
	assert.NoError(t, err)
}

func TestRenameFailsWhenDestinationExistsWithoutOverwrite(t *testing.T) {
	f := newTestFsi(t)
	_, err := f.MakeInode(arbo.RootID, "a.txt", arbo.FileType)
	require.NoError(t, err)
	_, err = f.MakeInode(arbo.RootID, "b.txt", arbo.FileType)
	require.NoError(t, err)

	err = f.Rename(arbo.RootID, arbo.RootID, "a.txt", "b.txt", false)
	assert.ErrorIs(t, err, ErrDestinationExists)
}

func TestSpecialRenameCopiesIntoReservedSlot(t *testing.T) {
	f := newTestFsi(t)
	src, err := f.MakeInode(arbo.RootID, "seed.toml", arbo.FileType)
	require.NoError(t, err)
	h, err := f.Open(src.ID, ReadWrite, OpenFlags{})
	require.NoError(t, err)
	_, err = f.Write(src.ID, []byte("network-name = \"x\"\n"), 0, h.ID)
	require.NoError(t, err)

	require.NoError(t, f.Rename(arbo.RootID, arbo.RootID, "seed.toml", ".global_config.toml", false))

	cfgInode, err := f.Net.Tree.GetInode(arbo.GlobalConfigID)
	require.NoError(t, err)
	assert.Equal(t, ".global_config.toml", cfgInode.Name)

	buf := make([]byte, cfgInode.Meta.Size)
	_, err = f.Disk.ReadFile("/.global_config.toml", 0, buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf), "network-name")

	_, err = f.Net.Tree.GetInodeChildByName(arbo.RootID, "seed.toml")
	assert.Error(t, err, "source inode must be removed after the copy-delete")
}

func TestXAttrSetGetListRemove(t *testing.T) {
	f := newTestFsi(t)
	inode, err := f.MakeInode(arbo.RootID, "x.txt", arbo.FileType)
	require.NoError(t, err)

	require.NoError(t, f.SetXAttr(inode.ID, "user.tag", []byte("v1")))
	v, err := f.GetXAttr(inode.ID, "user.tag")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))

	keys, err := f.ListXAttr(inode.ID)
	require.NoError(t, err)
	assert.Contains(t, keys, "user.tag")

	exists, err := f.XAttrExists(inode.ID, "user.tag")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, f.RemoveXAttr(inode.ID, "user.tag"))
	exists, err = f.XAttrExists(inode.ID, "user.tag")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReadDirListsChildren(t *testing.T) {
	f := newTestFsi(t)
	dir, err := f.MakeInode(arbo.RootID, "dir", arbo.DirectoryType)
	require.NoError(t, err)
	_, err = f.MakeInode(dir.ID, "one.txt", arbo.FileType)
	require.NoError(t, err)
	_, err = f.MakeInode(dir.ID, "two.txt", arbo.FileType)
	require.NoError(t, err)

	children, err := f.ReadDir(dir.ID)
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestReadFileOnNonHostPullsFirst(t *testing.T) {
	f := newTestFsi(t)
	require.NoError(t, f.Net.Tree.AddInode(&arbo.Inode{
		ID: 50, Parent: arbo.RootID, Name: "remote.bin",
		Entry: arbo.NewFileEntry("other:9001"),
		Meta:  arbo.Metadata{Kind: arbo.FileType, Size: 4},
	}))

	_, err := f.ReadFile(context.Background(), 50, 0, make([]byte, 4))
	assert.Error(t, err, "no peer is connected to answer the pull, so this must fail rather than hang")
}
