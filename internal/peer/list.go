package peer

import (
	"sort"
	"time"

	"github.com/meshpod/meshpod/internal/timedlock"
	"github.com/meshpod/meshpod/internal/wire"
)

// List is the set of currently connected peers, guarded the same way
// arbo.Tree is: a timedlock.RWMutex with a bounded acquisition timeout.
// The arbo and the peer list are two independent lockable structures
// with a fixed acquisition order — arbo first.
type List struct {
	lock    *timedlock.RWMutex
	timeout time.Duration
	peers   map[string]*Peer
}

// NewList returns an empty peer list.
func NewList(lockTimeout time.Duration) *List {
	l := &List{timeout: lockTimeout, peers: make(map[string]*Peer)}
	l.lock = timedlock.New(nil)
	return l
}

// Add registers p under its address, replacing any existing entry for
// the same address (a reconnect supersedes the stale connection).
func (l *List) Add(p *Peer) error {
	if err := l.lock.Lock(l.timeout); err != nil {
		return err
	}
	defer l.lock.Unlock()
	l.peers[p.Address] = p
	return nil
}

// Remove drops the peer at addr, if present, and closes its connection.
func (l *List) Remove(addr string) error {
	if err := l.lock.Lock(l.timeout); err != nil {
		return err
	}
	p, ok := l.peers[addr]
	delete(l.peers, addr)
	l.lock.Unlock()

	if ok {
		p.Close()
	}
	return nil
}

// Get returns the peer at addr, if connected.
func (l *List) Get(addr string) (*Peer, bool, error) {
	if err := l.lock.RLock(l.timeout); err != nil {
		return nil, false, err
	}
	defer l.lock.RUnlock()
	p, ok := l.peers[addr]
	return p, ok, nil
}

// Addresses returns every connected peer's address, sorted, for
// deterministic iteration (e.g. picking the first N for redundancy).
func (l *List) Addresses() ([]string, error) {
	if err := l.lock.RLock(l.timeout); err != nil {
		return nil, err
	}
	defer l.lock.RUnlock()

	out := make([]string, 0, len(l.peers))
	for addr := range l.peers {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}

// Broadcast sends msg to every connected peer.
func (l *List) Broadcast(msg wire.Message) error {
	return l.Each(func(p *Peer) { p.Send(msg) })
}

// Each calls fn with every connected peer, under the read lock. fn
// must not call back into List (it still holds the read lock).
func (l *List) Each(fn func(*Peer)) error {
	if err := l.lock.RLock(l.timeout); err != nil {
		return err
	}
	defer l.lock.RUnlock()
	for _, p := range l.peers {
		fn(p)
	}
	return nil
}

// Len reports the number of connected peers.
func (l *List) Len() (int, error) {
	if err := l.lock.RLock(l.timeout); err != nil {
		return 0, err
	}
	defer l.lock.RUnlock()
	return len(l.peers), nil
}
