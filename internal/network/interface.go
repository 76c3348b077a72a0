// Package network implements the network interface (component F): the
// owner of the arbo handle, the peer list, the inode ID counter, and
// every operation that mutates local state and/or talks to peers: one
// object other components call through rather than touching the arbo or
// peer list directly.
package network

import (
	"fmt"
	"sync/atomic"

	"github.com/meshpod/meshpod/internal/arbo"
	"github.com/meshpod/meshpod/internal/callback"
	"github.com/meshpod/meshpod/internal/diskmgr"
	"github.com/meshpod/meshpod/internal/logger"
	"github.com/meshpod/meshpod/internal/metrics"
	"github.com/meshpod/meshpod/internal/peer"
	"github.com/meshpod/meshpod/internal/redundancy"
	"github.com/meshpod/meshpod/internal/wire"
)

// Interface is the network interface: arbo handle, peer list,
// next-inode counter, self address, redundancy factor, and the
// callbacks registry.
type Interface struct {
	Tree             *arbo.Tree
	Peers            *peer.List
	Disk             diskmgr.Interface
	Callbacks        *callback.Registry
	SelfAddr         string
	RedundancyFactor int

	redundancyOut chan<- redundancy.Message
	nextInode     uint64 // atomic

	// Metrics is nil unless SetMetrics is called; every call site that
	// touches it guards with a nil check so a pod can run metrics-free.
	Metrics *metrics.Registry
}

// SetMetrics attaches a metrics registry; nil disables instrumentation.
func (n *Interface) SetMetrics(m *metrics.Registry) {
	n.Metrics = m
}

// New builds a network Interface. redundancyOut is the channel feeding
// the redundancy worker; nextInode seeds the counter (callers index
// the mount point first and pass the first free ID).
func New(tree *arbo.Tree, peers *peer.List, disk diskmgr.Interface, callbacks *callback.Registry, selfAddr string, redundancyFactor int, redundancyOut chan<- redundancy.Message, nextInode uint64) *Interface {
	return &Interface{
		Tree: tree, Peers: peers, Disk: disk, Callbacks: callbacks,
		SelfAddr: selfAddr, RedundancyFactor: redundancyFactor,
		redundancyOut: redundancyOut, nextInode: nextInode,
	}
}

// GetNextInode atomically increments and returns the inode counter.
func (n *Interface) GetNextInode() uint64 {
	return atomic.AddUint64(&n.nextInode, 1)
}

// NextInodePeek reads the inode counter without advancing it, for
// building an FsAnswer/Accept snapshot to hand a peer.
func (n *Interface) NextInodePeek() uint64 {
	return atomic.LoadUint64(&n.nextInode)
}

// PromoteNextInode raises the counter to at least v, never lowering
// it, used when an Inode message announces an ID from another pod's
// allocator.
func (n *Interface) PromoteNextInode(v uint64) {
	for {
		cur := atomic.LoadUint64(&n.nextInode)
		if v <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&n.nextInode, cur, v) {
			return
		}
	}
}

func (n *Interface) broadcast(msg wire.Message) {
	if err := n.Peers.Broadcast(msg); err != nil {
		logger.Warningf("network: broadcast %s failed: %v", msg.Kind, err)
	}
}

// RegisterNewInode adds inode to the arbo and broadcasts it, unless it
// is the reserved local-only local-config ID.
func (n *Interface) RegisterNewInode(inode *arbo.Inode) error {
	if err := n.Tree.AddInode(inode); err != nil {
		return err
	}
	if n.Metrics != nil {
		n.Metrics.InodesRegistered.Inc()
	}
	if !arbo.IsLocalOnly(inode.ID) {
		n.broadcast(wire.InodeMsg(inode))
	}
	return nil
}

// UnregisterInode removes id from the arbo and broadcasts its removal,
// unless it is the reserved local-only ID.
func (n *Interface) UnregisterInode(id uint64) error {
	if _, err := n.Tree.RemoveInode(id); err != nil {
		return err
	}
	if n.Metrics != nil {
		n.Metrics.InodesRemoved.Inc()
	}
	if !arbo.IsLocalOnly(id) {
		n.broadcast(wire.Remove(id))
	}
	return nil
}

// Rename moves a child between directories and broadcasts it.
func (n *Interface) Rename(parent, newParent uint64, name, newName string, overwrite bool) error {
	if err := n.Tree.MvInode(parent, newParent, name, newName); err != nil {
		return err
	}
	n.broadcast(wire.Rename(parent, newParent, name, newName, overwrite))
	return nil
}

// UpdateHosts replaces a file's host set and broadcasts it.
func (n *Interface) UpdateHosts(id uint64, hosts []string) error {
	if err := n.Tree.SetHosts(id, hosts); err != nil {
		return err
	}
	n.broadcast(wire.EditHosts(id, hosts))
	return nil
}

// AddInodeHosts unions hosts into a file's host set and broadcasts it.
func (n *Interface) AddInodeHosts(id uint64, hosts []string) error {
	if err := n.Tree.AddHosts(id, hosts); err != nil {
		return err
	}
	n.broadcast(wire.AddHosts(id, hosts))
	return nil
}

// RemoveInodeHosts removes hosts from a file's host set and broadcasts it.
func (n *Interface) RemoveInodeHosts(id uint64, hosts []string) error {
	if err := n.Tree.RemoveHosts(id, hosts); err != nil {
		return err
	}
	n.broadcast(wire.RemoveHosts(id, hosts))
	return nil
}

// UpdateMetadata sets an inode's metadata and broadcasts it.
func (n *Interface) UpdateMetadata(id uint64, meta arbo.Metadata) error {
	if err := n.Tree.SetMeta(id, meta); err != nil {
		return err
	}
	n.broadcast(wire.EditMetadata(id, meta, n.SelfAddr))
	return nil
}

// SetInodeXAttr sets an extended attribute and broadcasts it.
func (n *Interface) SetInodeXAttr(id uint64, key string, value []byte) error {
	if err := n.Tree.SetXAttr(id, key, value); err != nil {
		return err
	}
	n.broadcast(wire.SetXAttr(id, key, value))
	return nil
}

// RemoveInodeXAttr removes an extended attribute and broadcasts it.
func (n *Interface) RemoveInodeXAttr(id uint64, key string) error {
	if err := n.Tree.RemoveXAttr(id, key); err != nil {
		return err
	}
	n.broadcast(wire.RemoveXAttr(id, key))
	return nil
}

// SendFile unicasts a PullAnswer with data for ino to the requester.
func (n *Interface) SendFile(ino uint64, data []byte, to string) error {
	p, ok, err := n.Peers.Get(to)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("network: peer %s not connected", to)
	}
	p.Send(wire.PullAnswer(ino, data))
	return nil
}

// PullFile resolves ino's host list from the arbo and tries each
// non-self host in order, unicasting RequestFile. It returns the
// Pull(ino) callback to await, or ok=false with a nil error if self is
// already listed as a host. With no connected host to ask (an empty
// host list included) it returns an error.
func (n *Interface) PullFile(ino uint64) (call callback.Callback, ok bool, err error) {
	inode, err := n.Tree.GetInode(ino)
	if err != nil {
		return callback.Callback{}, false, err
	}
	for _, host := range inode.Entry.Hosts {
		if host == n.SelfAddr {
			return callback.Callback{}, false, nil
		}
	}

	call = n.Callbacks.Create(callback.Callback{Kind: callback.Pull, InodeID: ino})
	for _, host := range inode.Entry.Hosts {
		p, connected, gerr := n.Peers.Get(host)
		if gerr != nil || !connected {
			continue
		}
		p.Send(wire.RequestFile(ino, n.SelfAddr))
		return call, true, nil
	}
	// Nobody to ask: don't leave the never-to-resolve registration behind.
	n.Callbacks.Resolve(call, false)
	return callback.Callback{}, false, fmt.Errorf("network: no host available for inode %d", ino)
}

// RequestArbo unicasts RequestFs to from and returns the PullFs callback.
func (n *Interface) RequestArbo(from string) (callback.Callback, error) {
	p, ok, err := n.Peers.Get(from)
	if err != nil {
		return callback.Callback{}, err
	}
	if !ok {
		return callback.Callback{}, fmt.Errorf("network: peer %s not connected", from)
	}
	call := n.Callbacks.Create(callback.Callback{Kind: callback.PullFs})
	p.Send(wire.RequestFs())
	return call, nil
}

// SendArbo strips local-only entries from a snapshot and unicasts
// FsAnswer to the requester.
func (n *Interface) SendArbo(to string, configBlob []byte) error {
	snapshot, err := n.Tree.Snapshot()
	if err != nil {
		return err
	}
	delete(snapshot, arbo.LocalConfigID)
	if root, ok := snapshot[arbo.RootID]; ok {
		root.Entry.Children = removeID(root.Entry.Children, arbo.LocalConfigID)
	}

	peers, err := n.Peers.Addresses()
	if err != nil {
		return err
	}
	others := make([]string, 0, len(peers))
	for _, addr := range peers {
		if addr != to {
			others = append(others, addr)
		}
	}

	p, ok, err := n.Peers.Get(to)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("network: peer %s not connected", to)
	}
	p.Send(wire.FsAnswer(wire.FileSystemSerialized{FSIndex: snapshot, NextInode: atomic.LoadUint64(&n.nextInode)}, others, configBlob))
	return nil
}

// ApplyRedundancy enqueues an ApplyTo job for ino with the redundancy
// worker.
func (n *Interface) ApplyRedundancy(ino uint64) {
	select {
	case n.redundancyOut <- redundancy.ApplyTo(ino):
	default:
		logger.Warningf("network: redundancy queue full, dropping job for inode %d", ino)
	}
}

// AckRedundancyDelivery reports to the redundancy worker that addr has
// durably written ino's replicated bytes, in response to a RequestPull
// acknowledgement arriving over the wire.
func (n *Interface) AckRedundancyDelivery(ino uint64, addr string) {
	select {
	case n.redundancyOut <- redundancy.ReceivedBy(ino, addr, 0):
	default:
		logger.Warningf("network: redundancy queue full, dropping ack for inode %d from %s", ino, addr)
	}
}

// RegisterToOthers broadcasts Register(self) to every connected peer.
func (n *Interface) RegisterToOthers() {
	n.broadcast(wire.Register(n.SelfAddr))
}

// DisconnectPeer removes addr from the peer list.
func (n *Interface) DisconnectPeer(addr string) error {
	if err := n.Peers.Remove(addr); err != nil {
		return err
	}
	n.syncPeerGauge()
	return nil
}

// RecordPeerConnected updates the peers-connected gauge after a new
// peer.Peer has been added to n.Peers, e.g. from pod.spawnPeer.
func (n *Interface) RecordPeerConnected() {
	n.syncPeerGauge()
}

func (n *Interface) syncPeerGauge() {
	if n.Metrics == nil {
		return
	}
	count, err := n.Peers.Len()
	if err != nil {
		return
	}
	n.Metrics.PeersConnected.Set(float64(count))
}

// PickTargets implements redundancy.Sender: up to n connected peer
// addresses (never self, since the peer list never holds self).
func (n *Interface) PickTargets(count int) ([]string, error) {
	addrs, err := n.Peers.Addresses()
	if err != nil {
		return nil, err
	}
	if count < len(addrs) {
		addrs = addrs[:count]
	}
	return addrs, nil
}

// SendFileRedundancy implements redundancy.Sender: reads the file off
// local disk and unicasts RedundancyFile to target.
func (n *Interface) SendFileRedundancy(id uint64, target string) error {
	p, ok, err := n.Peers.Get(target)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("network: peer %s not connected", target)
	}

	path, err := n.Tree.PathFromID(id)
	if err != nil {
		return err
	}
	info, err := n.Tree.GetInode(id)
	if err != nil {
		return err
	}
	buf := make([]byte, info.Meta.Size)
	if _, err := n.Disk.ReadFile(path.String(), 0, buf); err != nil {
		return err
	}
	p.Send(wire.RedundancyFile(id, buf))
	if n.Metrics != nil {
		n.Metrics.BytesReplicated.Add(float64(len(buf)))
	}
	return nil
}

// ApplyHosts implements redundancy.Sender: completes a redundancy job
// by setting the host set to self plus the confirmed targets and
// broadcasting it. Self stays first so the writer never drops its own
// replica when the EditHosts round-trips.
func (n *Interface) ApplyHosts(id uint64, hosts []string) error {
	final := make([]string, 0, len(hosts)+1)
	final = append(final, n.SelfAddr)
	for _, h := range hosts {
		if h != n.SelfAddr {
			final = append(final, h)
		}
	}
	return n.UpdateHosts(id, final)
}

func removeID(ids []uint64, target uint64) []uint64 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

var _ redundancy.Sender = (*Interface)(nil)
