package pod

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshpod/meshpod/internal/arbo"
	"github.com/meshpod/meshpod/internal/clock"
	"github.com/meshpod/meshpod/internal/diskmgr/memdisk"
	"github.com/meshpod/meshpod/internal/fsi"
)

const settle = 5 * time.Second

// testPod is one fully-wired pod on a loopback listener with an
// in-memory mirror, running its background tasks until the test ends.
type testPod struct {
	pod  *Pod
	disk *memdisk.Disk
	addr string
	stop context.CancelFunc
}

func startPod(t *testing.T, hostname string, knownPeers []string) *testPod {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	disk := memdisk.New(1 << 24)
	p, err := New(Config{
		Name:             "test-net",
		SelfHostname:     hostname,
		SelfAddr:         addr,
		KnownPeers:       knownPeers,
		RedundancyFactor: 2,
		LockTimeout:      2 * time.Second,
		DialTimeout:      2 * time.Second,
	}, disk, disk, clock.Real{}, ln)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(runDone)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-runDone:
		case <-time.After(settle):
			t.Log("pod", hostname, "did not shut down in time")
		}
	})

	return &testPod{pod: p, disk: disk, addr: addr, stop: cancel}
}

func writeAll(t *testing.T, p *testPod, id uint64, data []byte) {
	t.Helper()
	h, err := p.pod.FS.Open(id, fsi.ReadWrite, fsi.OpenFlags{})
	require.NoError(t, err)
	_, err = p.pod.FS.Write(id, data, 0, h.ID)
	require.NoError(t, err)
	require.NoError(t, p.pod.FS.Release(h.ID, id))
}

func TestJoinAdoptsTreeAndPropagatesCreate(t *testing.T) {
	a := startPod(t, "pod-a", nil)

	seeded, err := a.pod.FS.MakeInode(arbo.RootID, "seeded.txt", arbo.FileType)
	require.NoError(t, err)
	writeAll(t, a, seeded.ID, []byte("x"))

	b := startPod(t, "pod-b", []string{a.addr})

	// The join handshake hands B the whole tree up front.
	got, err := b.pod.Net.Tree.GetInode(seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, "seeded.txt", got.Name)

	// A create after the join arrives as an Inode broadcast.
	inode, err := a.pod.FS.MakeInode(arbo.RootID, "foo.txt", arbo.FileType)
	require.NoError(t, err)
	writeAll(t, a, inode.ID, []byte("Hello world!"))

	require.Eventually(t, func() bool {
		_, err := b.pod.Net.Tree.GetInode(inode.ID)
		return err == nil
	}, settle, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), settle)
	defer cancel()
	buf := make([]byte, len("Hello world!"))
	n, err := b.pod.FS.ReadFile(ctx, inode.ID, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "Hello world!", string(buf[:n]))
}

func TestRedundancyWorkerPlacesReplicaOnPeer(t *testing.T) {
	a := startPod(t, "pod-a", nil)
	b := startPod(t, "pod-b", []string{a.addr})

	inode, err := a.pod.FS.MakeInode(arbo.RootID, "big.bin", arbo.FileType)
	require.NoError(t, err)
	writeAll(t, a, inode.ID, []byte("payload-bytes"))

	// Replication completes when the finalized host set, self first,
	// lands on both pods.
	for _, p := range []*testPod{a, b} {
		require.Eventually(t, func() bool {
			got, err := p.pod.Net.Tree.GetInode(inode.ID)
			if err != nil || !got.IsFile() {
				return false
			}
			return len(got.Entry.Hosts) == 2 &&
				got.Entry.Hosts[0] == a.addr && got.Entry.Hosts[1] == b.addr
		}, settle, 10*time.Millisecond)
	}

	// B already holds the bytes, no pull needed.
	buf := make([]byte, len("payload-bytes"))
	n, err := b.disk.ReadFile("/big.bin", 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "payload-bytes", string(buf[:n]))
}

func TestRenameWithOverwritePropagates(t *testing.T) {
	a := startPod(t, "pod-a", nil)
	b := startPod(t, "pod-b", []string{a.addr})

	src, err := a.pod.FS.MakeInode(arbo.RootID, "a", arbo.FileType)
	require.NoError(t, err)
	writeAll(t, a, src.ID, []byte("1"))
	dst, err := a.pod.FS.MakeInode(arbo.RootID, "b", arbo.FileType)
	require.NoError(t, err)
	writeAll(t, a, dst.ID, []byte("2"))

	require.Eventually(t, func() bool {
		_, err := b.pod.Net.Tree.GetInode(dst.ID)
		return err == nil
	}, settle, 10*time.Millisecond)

	require.NoError(t, a.pod.FS.Rename(arbo.RootID, arbo.RootID, "a", "b", true))

	for _, p := range []*testPod{a, b} {
		require.Eventually(t, func() bool {
			child, err := p.pod.Net.Tree.GetInodeChildByName(arbo.RootID, "b")
			if err != nil || child.ID != src.ID {
				return false
			}
			_, err = p.pod.Net.Tree.GetInodeChildByName(arbo.RootID, "a")
			return err != nil
		}, settle, 10*time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), settle)
	defer cancel()
	buf := make([]byte, 1)
	n, err := b.pod.FS.ReadFile(ctx, src.ID, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "1", string(buf[:n]))
}

func TestXAttrPropagatesBothWays(t *testing.T) {
	a := startPod(t, "pod-a", nil)
	b := startPod(t, "pod-b", []string{a.addr})

	inode, err := a.pod.FS.MakeInode(arbo.RootID, "tagged", arbo.FileType)
	require.NoError(t, err)
	require.NoError(t, a.pod.FS.SetXAttr(inode.ID, "user.tag", []byte("red")))

	require.Eventually(t, func() bool {
		v, err := b.pod.FS.GetXAttr(inode.ID, "user.tag")
		return err == nil && string(v) == "red"
	}, settle, 10*time.Millisecond)

	require.NoError(t, b.pod.FS.RemoveXAttr(inode.ID, "user.tag"))

	require.Eventually(t, func() bool {
		ok, err := a.pod.FS.XAttrExists(inode.ID, "user.tag")
		return err == nil && !ok
	}, settle, 10*time.Millisecond)
}

func TestStopEvacuatesSoleHostedFiles(t *testing.T) {
	a := startPod(t, "pod-a", nil)
	b := startPod(t, "pod-b", []string{a.addr})

	solo, err := a.pod.FS.MakeInode(arbo.RootID, "solo.txt", arbo.FileType)
	require.NoError(t, err)
	writeAll(t, a, solo.ID, []byte("precious"))

	// Wait for the write's redundancy pass to settle so the host set is
	// deterministic, then revoke B again to make A the sole holder.
	require.Eventually(t, func() bool {
		got, err := a.pod.Net.Tree.GetInode(solo.ID)
		return err == nil && len(got.Entry.Hosts) == 2
	}, settle, 10*time.Millisecond)
	require.NoError(t, a.pod.Net.UpdateHosts(solo.ID, []string{a.addr}))

	stopCtx, cancel := context.WithTimeout(context.Background(), settle)
	defer cancel()
	require.NoError(t, a.pod.Stop(stopCtx))

	// B took the handoff: it is the host of record and holds the bytes.
	require.Eventually(t, func() bool {
		got, err := b.pod.Net.Tree.GetInode(solo.ID)
		return err == nil && len(got.Entry.Hosts) == 1 && got.Entry.Hosts[0] == b.addr
	}, settle, 10*time.Millisecond)

	buf := make([]byte, len("precious"))
	n, err := b.disk.ReadFile("/solo.txt", 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "precious", string(buf[:n]))

	// The departing pod left its tree snapshot behind.
	_, err = a.disk.ReadFile("/.arbo", 0, make([]byte, 0))
	assert.NoError(t, err)
}

func TestRemovePropagates(t *testing.T) {
	a := startPod(t, "pod-a", nil)
	b := startPod(t, "pod-b", []string{a.addr})

	inode, err := a.pod.FS.MakeInode(arbo.RootID, "gone.txt", arbo.FileType)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := b.pod.Net.Tree.GetInode(inode.ID)
		return err == nil
	}, settle, 10*time.Millisecond)

	require.NoError(t, a.pod.FS.RemoveInode(inode.ID))

	require.Eventually(t, func() bool {
		_, err := b.pod.Net.Tree.GetInode(inode.ID)
		return err != nil
	}, settle, 10*time.Millisecond)
}
