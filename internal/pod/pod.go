// Package pod assembles every other component into one running
// instance (component J): indexing the mount point, joining an
// existing network or bootstrapping a fresh one, and spawning the
// airport, redundancy-worker and accept-connections tasks the rest of the
// system depends on. A constructor plus a Run/Stop pair, so cmd/meshpod
// can bind the pod's lifetime to its own signal handling.
package pod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/meshpod/meshpod/internal/arbo"
	"github.com/meshpod/meshpod/internal/callback"
	"github.com/meshpod/meshpod/internal/clock"
	"github.com/meshpod/meshpod/internal/diskmgr"
	"github.com/meshpod/meshpod/internal/fsi"
	"github.com/meshpod/meshpod/internal/handshake"
	"github.com/meshpod/meshpod/internal/logger"
	"github.com/meshpod/meshpod/internal/metrics"
	"github.com/meshpod/meshpod/internal/network"
	"github.com/meshpod/meshpod/internal/peer"
	"github.com/meshpod/meshpod/internal/redundancy"
	"github.com/meshpod/meshpod/internal/wire"
)

// Config collects everything Pod::new needs, mirroring cfg.Config's
// shape rather than embedding it directly, so this package never needs
// to import the viper/pflag machinery cfg carries.
type Config struct {
	Name             string
	SelfHostname     string
	SelfAddr         string // this pod's dial-able address, e.g. "host:9000"
	KnownPeers       []string
	RedundancyFactor int
	LockTimeout      time.Duration
	DialTimeout      time.Duration

	// ReplicationRateLimit, if > 0, caps outbound redundancy-replication
	// sends at that many per second (burst ReplicationBurst); see
	// internal/redundancy.WithRateLimit.
	ReplicationRateLimit float64
	ReplicationBurst     int

	// Metrics, if non-nil, is wired into the network interface so every
	// arbo mutation and peer connect/disconnect is instrumented.
	Metrics *metrics.Registry
}

// Pod is one running instance: the assembled network interface, the
// filesystem interface an OS driver adapter calls into, and the
// background tasks keeping it alive.
type Pod struct {
	cfg      Config
	hostname string

	Net    *network.Interface
	FS     *fsi.Interface
	Router *network.Router

	listener       net.Listener
	inbound        chan peer.Inbound
	redundancyChan chan redundancy.Message
	worker         *redundancy.Worker

	peersWG sync.WaitGroup
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New indexes the mount point, tries each known peer in order for a
// filesystem exchange, registers with every resulting peer, and
// constructs the filesystem interface. It does not yet spawn the
// background tasks or mount the OS driver (see Run).
func New(cfg Config, disk diskmgr.Interface, indexer Indexer, clk clock.Clock, listener net.Listener) (*Pod, error) {
	tree := arbo.New(clk, cfg.LockTimeout)
	nextID, err := IndexMountPoint(tree, indexer, cfg.SelfAddr, clk)
	if err != nil {
		return nil, fmt.Errorf("pod: indexing mount point: %w", err)
	}

	peers := peer.NewList(cfg.LockTimeout)
	callbacks := callback.NewRegistry()
	redundancyChan := make(chan redundancy.Message, 256)

	hostname := cfg.SelfHostname
	var joined *handshake.EntrantResult
	for _, addr := range cfg.KnownPeers {
		res, derr := handshake.Dial(addr, cfg.SelfHostname, cfg.SelfAddr, cfg.DialTimeout)
		if derr != nil {
			logger.Warningf("pod %s: join attempt via %s failed: %v", cfg.Name, addr, derr)
			continue
		}
		joined = res
		hostname = res.Hostname
		break
	}
	if joined != nil {
		if err := tree.LoadSnapshot(joined.FS.FSIndex); err != nil {
			joined.Conn.Close()
			return nil, fmt.Errorf("pod: loading adopted snapshot: %w", err)
		}
	} else if len(cfg.KnownPeers) > 0 {
		logger.Warningf("pod %s: could not join any known peer, bootstrapping a fresh network", cfg.Name)
	}

	ni := network.New(tree, peers, disk, callbacks, cfg.SelfAddr, cfg.RedundancyFactor, redundancyChan, nextID)
	if cfg.Metrics != nil {
		ni.SetMetrics(cfg.Metrics)
	}
	if joined != nil {
		ni.PromoteNextInode(joined.FS.NextInode)
	}

	var workerOpts []redundancy.Option
	if cfg.ReplicationRateLimit > 0 {
		workerOpts = append(workerOpts, redundancy.WithRateLimit(rate.Limit(cfg.ReplicationRateLimit), cfg.ReplicationBurst))
	}
	if cfg.Metrics != nil {
		workerOpts = append(workerOpts, redundancy.WithMetrics(cfg.Metrics))
	}

	p := &Pod{
		cfg: cfg, hostname: hostname,
		Net:            ni,
		Router:         network.NewRouter(ni),
		listener:       listener,
		inbound:        make(chan peer.Inbound, 256),
		redundancyChan: redundancyChan,
		worker:         redundancy.NewWorker(ni, cfg.RedundancyFactor, workerOpts...),
	}
	p.FS = fsi.New(ni, disk, clk)

	if joined != nil {
		if err := p.adoptPeers(joined); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// adoptPeers connects to every other peer the acceptor listed,
// exchanges a Wave with each, then broadcasts Register(self) — the
// entrant's half of a successful Accept. joined.Peers[0] is always the
// acceptor itself (the acceptor's own invariant), reached over the
// connection already open from the handshake.
func (p *Pod) adoptPeers(joined *handshake.EntrantResult) error {
	if len(joined.Peers) == 0 {
		joined.Conn.Close()
		return nil
	}

	acceptor := joined.Peers[0]
	if err := p.Net.Peers.Add(peer.New(acceptor.URL, joined.Conn)); err != nil {
		joined.Conn.Close()
		return err
	}
	p.spawnPeer(acceptor.URL)

	for _, other := range joined.Peers[1:] {
		conn, err := net.DialTimeout("tcp", other.URL, p.cfg.DialTimeout)
		if err != nil {
			logger.Warningf("pod %s: could not connect to peer %s: %v", p.cfg.Name, other.URL, err)
			continue
		}
		if _, err := handshake.Wave(conn, p.hostname, p.cfg.SelfAddr, acceptor.Hostname); err != nil {
			logger.Warningf("pod %s: wave with %s failed: %v", p.cfg.Name, other.URL, err)
			conn.Close()
			continue
		}
		if err := p.Net.Peers.Add(peer.New(other.URL, conn)); err != nil {
			conn.Close()
			continue
		}
		p.spawnPeer(other.URL)
	}

	p.Net.RegisterToOthers()
	return p.materializeGlobalConfig(joined.Config)
}

// materializeGlobalConfig writes the config bytes an Accept handed
// over onto the local mirror at the reserved global-config inode, and
// adds self to that inode's host set — the one file whose bytes a
// joining pod receives directly during the handshake rather than via
// an ordinary pull.
func (p *Pod) materializeGlobalConfig(cfgBytes []byte) error {
	if len(cfgBytes) == 0 {
		return nil
	}
	path, err := p.Net.Tree.PathFromID(arbo.GlobalConfigID)
	if err != nil {
		return err
	}
	if err := p.Net.Disk.NewFile(path.String(), 0o644); err != nil && !errors.Is(err, diskmgr.ErrExist) {
		return err
	}
	if err := p.Net.Disk.SetFileSize(path.String(), int64(len(cfgBytes))); err != nil {
		return err
	}
	if _, err := p.Net.Disk.WriteFile(path.String(), cfgBytes, 0); err != nil {
		return err
	}
	return p.Net.AddInodeHosts(arbo.GlobalConfigID, []string{p.cfg.SelfAddr})
}

func (p *Pod) spawnPeer(addr string) {
	pr, ok, err := p.Net.Peers.Get(addr)
	if err != nil || !ok {
		return
	}
	p.Net.RecordPeerConnected()
	p.peersWG.Add(1)
	go func() {
		defer p.peersWG.Done()
		pr.Run(p.inbound)
		// The transport died or was closed: drop the peer so broadcasts
		// and redundancy target picks stop seeing it.
		if err := p.Net.DisconnectPeer(pr.Address); err != nil {
			logger.Warningf("pod %s: dropping dead peer %s: %v", p.cfg.Name, pr.Address, err)
		}
	}()
}

// Run spawns the airport (Router.Run), the redundancy worker, and the
// accept-connections listener loop. Ordinary per-peer outbound delivery
// happens inside each peer.Peer's own write goroutine rather than a
// separate generic dispatcher. Run blocks until ctx is canceled or Stop
// is called, then waits for every task to finish.
func (p *Pod) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	p.group = g

	g.Go(func() error {
		p.Router.Run(p.inbound)
		return nil
	})
	g.Go(func() error {
		p.worker.Run(p.redundancyChan)
		return nil
	})
	g.Go(func() error {
		return p.acceptLoop(gctx)
	})

	go func() {
		<-ctx.Done()
		_ = p.listener.Close()
		_ = p.Net.Peers.Each(func(pr *peer.Peer) { pr.Close() })
		p.peersWG.Wait()
		close(p.inbound)
		close(p.redundancyChan)
	}()

	return g.Wait()
}

func (p *Pod) acceptLoop(ctx context.Context) error {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go p.handleIncoming(conn)
	}
}

func (p *Pod) handleIncoming(conn net.Conn) {
	hs, err := wire.ReadHandshake(conn)
	if err != nil {
		logger.Warningf("pod %s: reading incoming handshake: %v", p.cfg.Name, err)
		conn.Close()
		return
	}
	switch hs.Kind {
	case wire.HandshakeConnect:
		p.acceptEntrant(conn, hs)
	case wire.HandshakeWave:
		p.acceptWave(conn, hs)
	default:
		logger.Warningf("pod %s: unexpected handshake kind %d on accept", p.cfg.Name, hs.Kind)
		conn.Close()
	}
}

func (p *Pod) peerVectors() (hosts, urls []string) {
	hosts = []string{p.hostname}
	urls = []string{p.cfg.SelfAddr}
	_ = p.Net.Peers.Each(func(pr *peer.Peer) {
		name := pr.Hostname()
		if name == "" {
			name = pr.Address
		}
		hosts = append(hosts, name)
		urls = append(urls, pr.Address)
	})
	return hosts, urls
}

func (p *Pod) readGlobalConfig() []byte {
	path, err := p.Net.Tree.PathFromID(arbo.GlobalConfigID)
	if err != nil {
		return nil
	}
	inode, err := p.Net.Tree.GetInode(arbo.GlobalConfigID)
	if err != nil {
		return nil
	}
	buf := make([]byte, inode.Meta.Size)
	if _, err := p.Net.Disk.ReadFile(path.String(), 0, buf); err != nil {
		return nil
	}
	return buf
}

// acceptEntrant handles a fresh Connect arriving on the shared
// listener: build the hosts/urls/config/snapshot the entrant needs,
// run the acceptor side of the handshake, and register the new peer.
func (p *Pod) acceptEntrant(conn net.Conn, hs wire.Handshake) {
	hosts, urls := p.peerVectors()
	known := func(name string) bool {
		for _, h := range hosts {
			if h == name {
				return true
			}
		}
		return false
	}

	snapshot, err := p.Net.Tree.Snapshot()
	if err != nil {
		logger.Warningf("pod %s: snapshot for incoming entrant failed: %v", p.cfg.Name, err)
		conn.Close()
		return
	}
	delete(snapshot, arbo.LocalConfigID)
	if root, ok := snapshot[arbo.RootID]; ok {
		root.Entry.Children = withoutID(root.Entry.Children, arbo.LocalConfigID)
	}

	fsOut := wire.FileSystemSerialized{FSIndex: snapshot, NextInode: p.Net.NextInodePeek()}
	res, err := handshake.AcceptHandshake(conn, hs, p.hostname, hosts, urls, p.readGlobalConfig(), fsOut, known)
	if err != nil {
		logger.Warningf("pod %s: accepting entrant failed: %v", p.cfg.Name, err)
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.HandshakeRefusals.Inc()
		}
		return
	}

	if err := p.Net.Peers.Add(peer.New(res.EntrantURL, conn)); err != nil {
		conn.Close()
		return
	}
	p.spawnPeer(res.EntrantURL)
}

// acceptWave handles a Wave arriving on the shared listener: a peer
// some other already-accepted entrant introduced us to. We reply with
// our own Wave and register the connection exactly as an accepted
// entrant's would be.
func (p *Pod) acceptWave(conn net.Conn, hs wire.Handshake) {
	if err := wire.WriteHandshake(conn, wire.Wave(p.hostname, p.cfg.SelfAddr, hs.Blame)); err != nil {
		logger.Warningf("pod %s: wave reply failed: %v", p.cfg.Name, err)
		conn.Close()
		return
	}
	if err := p.Net.Peers.Add(peer.New(hs.URL, conn)); err != nil {
		conn.Close()
		return
	}
	p.spawnPeer(hs.URL)
}

func withoutID(ids []uint64, target uint64) []uint64 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Stop evacuates files hosted only by this pod, snapshots the arbo to
// the reserved on-disk file, then tears down every background task.
func (p *Pod) Stop(ctx context.Context) error {
	if err := p.evacuate(ctx); err != nil {
		logger.Warningf("pod %s: evacuation incomplete: %v", p.cfg.Name, err)
	}
	if err := p.snapshotToDisk(); err != nil {
		logger.Warningf("pod %s: writing arbo snapshot failed: %v", p.cfg.Name, err)
	}

	if p.cancel != nil {
		p.cancel()
	}
	if p.group != nil {
		return p.group.Wait()
	}
	return nil
}

// evacuate hands off every file hosted only by this pod to the first
// peer willing to durably accept it.
func (p *Pod) evacuate(ctx context.Context) error {
	ids, err := p.Net.Tree.FilesHostedOnlyBy(p.cfg.SelfAddr)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	peers, err := p.Net.Peers.Addresses()
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		return fmt.Errorf("pod %s: no peers available to evacuate %d self-hosted files", p.cfg.Name, len(ids))
	}

	var firstErr error
	for _, id := range ids {
		if err := p.evacuateOne(ctx, id, peers); err != nil {
			logger.Warningf("pod %s: could not hand off inode %d: %v", p.cfg.Name, id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *Pod) evacuateOne(ctx context.Context, id uint64, peers []string) error {
	filePath, err := p.Net.Tree.PathFromID(id)
	if err != nil {
		return err
	}
	inode, err := p.Net.Tree.GetInode(id)
	if err != nil {
		return err
	}
	buf := make([]byte, inode.Meta.Size)
	if _, err := p.Net.Disk.ReadFile(filePath.String(), 0, buf); err != nil {
		return err
	}

	var lastErr error
	for _, addr := range peers {
		pr, ok, gerr := p.Net.Peers.Get(addr)
		if gerr != nil || !ok {
			continue
		}
		call := p.Net.Callbacks.Create(callback.Callback{Kind: callback.Feedback, InodeID: id})
		pr.Send(wire.RedundancyFile(id, buf))

		delivered, werr := p.Net.Callbacks.WaitFor(ctx, call)
		if werr == nil && delivered {
			return p.Net.UpdateHosts(id, []string{addr})
		}
		lastErr = werr
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("pod: exhausted %d peers evacuating inode %d", len(peers), id)
	}
	return lastErr
}

// snapshotToDisk serializes the arbo and writes it to the reserved
// .arbo file, so the pod can reboot locally without a peer.
func (p *Pod) snapshotToDisk() error {
	snapshot, err := p.Net.Tree.Snapshot()
	if err != nil {
		return err
	}
	blob, err := marshalSnapshot(snapshot, p.Net.NextInodePeek())
	if err != nil {
		return err
	}

	// First shutdown on a tree that never saw a .arbo file: register the
	// reserved inode locally, without a broadcast, since every other pod
	// writes its own copy at its own shutdown.
	if _, err := p.Net.Tree.GetInode(arbo.ArboSnapshotID); err != nil {
		now := time.Now()
		addErr := p.Net.Tree.AddInode(&arbo.Inode{
			ID:     arbo.ArboSnapshotID,
			Parent: arbo.RootID,
			Name:   arbo.ArboSnapshotName,
			Entry:  arbo.NewFileEntry(p.cfg.SelfAddr),
			Meta: arbo.Metadata{
				Kind: arbo.FileType, Perm: 0o644, Nlink: 1,
				Crtime: now, Ctime: now, Mtime: now, Atime: now,
			},
		})
		if addErr != nil {
			return addErr
		}
	}

	path, err := p.Net.Tree.PathFromID(arbo.ArboSnapshotID)
	if err != nil {
		return err
	}
	if err := p.Net.Disk.NewFile(path.String(), 0o644); err != nil && !errors.Is(err, diskmgr.ErrExist) {
		return err
	}
	if err := p.Net.Disk.SetFileSize(path.String(), int64(len(blob))); err != nil {
		return err
	}
	_, err = p.Net.Disk.WriteFile(path.String(), blob, 0)
	return err
}

// arboSnapshotFile is the on-disk encoding of the reserved .arbo file:
// the inode map plus the inode-ID counter needed to resume allocating
// fresh IDs without colliding with anything already assigned.
type arboSnapshotFile struct {
	Inodes    map[uint64]*arbo.Inode `json:"inodes"`
	NextInode uint64                 `json:"next_inode"`
}

// marshalSnapshot encodes a tree snapshot the same way internal/wire
// encodes message payloads (encoding/json, see internal/wire/codec.go)
// rather than inventing a second wire format for the one file written
// at shutdown.
func marshalSnapshot(snapshot map[uint64]*arbo.Inode, nextInode uint64) ([]byte, error) {
	return json.Marshal(arboSnapshotFile{Inodes: snapshot, NextInode: nextInode})
}
