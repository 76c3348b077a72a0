// Package callback implements named, one-shot, broadcast-on-completion
// synchronization points used to await an asynchronous network reply:
// a local caller issues a request, registers a Callback for it, and
// blocks (or awaits, with a context) until some other goroutine —
// typically the peer IPC read loop — resolves it.
package callback

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Kind tags what a Callback identifies, in place of an inheritance
// hierarchy: a pull of one inode's content, or a pull of the whole
// arbo snapshot.
type Kind int

const (
	Pull Kind = iota
	PullFs
	// Feedback identifies a pending stop-time evacuation handoff: the
	// sender of a RedundancyFile awaiting the receiver's delivery
	// acknowledgement before trying the next candidate peer.
	Feedback
)

// Callback is a tagged value identifying one pending asynchronous
// request. Two Callback values with the same Kind and InodeID
// (InodeID is ignored for PullFs) name the same pending request.
type Callback struct {
	Kind    Kind
	InodeID uint64
}

func (c Callback) key() string {
	switch c.Kind {
	case PullFs:
		return "pullfs"
	case Feedback:
		return fmt.Sprintf("feedback:%d", c.InodeID)
	default:
		return fmt.Sprintf("pull:%d", c.InodeID)
	}
}

// Registry holds, per active Callback, a one-shot broadcast of a
// success/failure boolean. Create is idempotent: calling it twice for
// the same Callback before it resolves is a no-op, and every
// concurrent WaitFor for that Callback observes the same resolution.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*slot
	group   singleflight.Group
}

type slot struct {
	done   chan struct{}
	status bool
}

// NewRegistry returns an empty callback registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*slot)}
}

// Create registers call as pending if it is not already, returning
// the existing registration's key unchanged if it is.
func (r *Registry) Create(call Callback) Callback {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreateLocked(call.key())
	return call
}

func (r *Registry) getOrCreateLocked(key string) *slot {
	s, ok := r.pending[key]
	if !ok {
		s = &slot{done: make(chan struct{})}
		r.pending[key] = s
	}
	return s
}

// Resolve sends status to every waiter on call and removes it from the
// registry. Resolving a callback that is not pending is a no-op.
func (r *Registry) Resolve(call Callback, status bool) {
	r.mu.Lock()
	s, ok := r.pending[call.key()]
	if ok {
		delete(r.pending, call.key())
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.status = status
	close(s.done)
}

// WaitFor blocks until call resolves (creating it first if it is not
// already pending) and returns its status. Concurrent WaitFor calls
// for the same Callback are deduplicated onto a single underlying wait
// via singleflight, then fan the shared result back out to every
// caller — the "awaitable" variant used by async network tasks that
// may have several goroutines interested in the same reply.
func (r *Registry) WaitFor(ctx context.Context, call Callback) (bool, error) {
	key := call.key()

	type result struct {
		status bool
	}
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		r.mu.Lock()
		s := r.getOrCreateLocked(key)
		r.mu.Unlock()

		select {
		case <-s.done:
			return result{status: s.status}, nil
		case <-ctx.Done():
			return result{status: false}, ctx.Err()
		}
	})
	if err != nil {
		return false, err
	}
	return v.(result).status, nil
}

// WaitForBlocking is the synchronous-driver-facing variant of WaitFor:
// it never gives up, matching a FUSE-style caller that has no
// cancellation path of its own.
func (r *Registry) WaitForBlocking(call Callback) bool {
	status, _ := r.WaitFor(context.Background(), call)
	return status
}

// IsPending reports whether call currently has an outstanding
// registration, for diagnostics.
func (r *Registry) IsPending(call Callback) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[call.key()]
	return ok
}
