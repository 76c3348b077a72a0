package network

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
	"github.com/meshpod/meshpod/internal/peer"
	"github.com/meshpod/meshpod/internal/redundancy"
	"github.com/meshpod/meshpod/internal/wire"
)

func newTestInterface() *Interface {
	tree := arbo.New(clock.NewSimulated(time.Unix(0, 0)), time.Second)
	peers := peer.NewList(time.Second)
	disk := memdisk.New(1 << 20)
	cbs := callback.NewRegistry()
	redundancyOut := make(chan redundancy.Message, 16)
	return New(tree, peers, disk, cbs, "self:9000", 2, redundancyOut, arbo.FirstFreeID)
}

func TestGetNextInodeIncrementsAndPromotes(t *testing.T) {
	n := newTestInterface()

	first := n.GetNextInode()
	second := n.GetNextInode()
	assert.Equal(t, first+1, second)

	n.PromoteNextInode(1000)
	assert.Equal(t, uint64(1001), n.GetNextInode())

	n.PromoteNextInode(5) // lower value must never move the counter backward
	assert.Equal(t, uint64(1002), n.GetNextInode())
}

func TestRegisterAndUnregisterInode(t *testing.T) {
	n := newTestInterface()
	inode := &arbo.Inode{ID: 11, Parent: arbo.RootID, Name: "f", Entry: arbo.NewFileEntry("self:9000")}

	require.NoError(t, n.RegisterNewInode(inode))
	got, err := n.Tree.GetInode(11)
	require.NoError(t, err)
	assert.Equal(t, "f", got.Name)

	require.NoError(t, n.UnregisterInode(11))
	_, err = n.Tree.GetInode(11)
	assert.ErrorIs(t, err, arbo.ErrInodeNotFound)
}

func TestPullFileReturnsFalseWhenAlreadyLocal(t *testing.T) {
	n := newTestInterface()
	inode := &arbo.Inode{ID: 11, Parent: arbo.RootID, Name: "f", Entry: arbo.NewFileEntry("self:9000")}
	require.NoError(t, n.Tree.AddInode(inode))

	_, ok, err := n.PullFile(11)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRouterAppliesInodeMessageAndMaterializesFile(t *testing.T) {
	n := newTestInterface()
	router := NewRouter(n)

	inbound := make(chan peer.Inbound, 4)
	done := make(chan struct{})
	go func() { router.Run(inbound); close(done) }()

	inode := &arbo.Inode{
		ID: 20, Parent: arbo.RootID, Name: "shared.txt",
		Entry: arbo.NewFileEntry("self:9000"),
		Meta:  arbo.Metadata{Perm: 0644},
	}
	inbound <- peer.Inbound{From: "peer-a", Message: wire.InodeMsg(inode)}
	close(inbound)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("router did not drain in time")
	}

	got, err := n.Tree.GetInode(20)
	require.NoError(t, err)
	assert.Equal(t, "shared.txt", got.Name)

	_, err = n.Disk.ReadFile("/shared.txt", 0, make([]byte, 0))
	assert.NoError(t, err)

	assert.GreaterOrEqual(t, n.GetNextInode(), uint64(21))
}

func TestRouterPullAnswerWritesFileAndResolvesCallback(t *testing.T) {
	n := newTestInterface()
	router := NewRouter(n)

	require.NoError(t, n.Tree.AddInode(&arbo.Inode{ID: 21, Parent: arbo.RootID, Name: "remote.txt", Entry: arbo.NewFileEntry()}))
	require.NoError(t, n.Disk.NewFile("/remote.txt", 0644))

	call := callback.Callback{Kind: callback.Pull, InodeID: 21}
	n.Callbacks.Create(call)
	statusCh := make(chan bool, 1)
	go func() {
		status, _ := n.Callbacks.WaitFor(context.Background(), call)
		statusCh <- status
	}()
	// The waiter must be attached to the pending slot before the router
	// resolves it, or it would re-register and wait forever.
	time.Sleep(10 * time.Millisecond)

	inbound := make(chan peer.Inbound, 4)
	done := make(chan struct{})
	go func() { router.Run(inbound); close(done) }()

	inbound <- peer.Inbound{From: "peer-a", Message: wire.PullAnswer(21, []byte("contents"))}
	close(inbound)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("router did not drain in time")
	}

	select {
	case status := <-statusCh:
		assert.True(t, status)
	case <-time.After(2 * time.Second):
		t.Fatal("pull callback never resolved")
	}

	buf := make([]byte, len("contents"))
	nRead, err := n.Disk.ReadFile("/remote.txt", 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "contents", string(buf[:nRead]))

	inode, err := n.Tree.GetInode(21)
	require.NoError(t, err)
	assert.Contains(t, inode.Entry.Hosts, "self:9000")
}
