// Package timedlock provides an invariant-checking reader/writer mutex
// (lock, mutate, have your own invariant checker run on release, panic
// if it fails) with a bounded acquisition timeout. The arbo and the
// peer list both need fail-with-would-block semantics on a contended
// lock; a plain sync.RWMutex has no way to give up on a Lock call.
package timedlock

import (
	"errors"
	"sync"
	"time"
)

// ErrWouldBlock is returned when a lock could not be acquired before its
// timeout elapsed. The caller must treat this as "no side effects
// occurred" — the lock was never actually held.
var ErrWouldBlock = errors.New("timedlock: would block")

// RWMutex is a reader/writer lock with timeout-bounded acquisition and an
// invariant check run just before every release, mirroring
// syncutil.NewInvariantMutex(check).
type RWMutex struct {
	mu    sync.RWMutex
	check func()
}

// New builds an RWMutex whose invariant checker runs inside every Unlock
// and RUnlock, before the lock is released. check may be nil.
func New(check func()) *RWMutex {
	if check == nil {
		check = func() {}
	}
	return &RWMutex{check: check}
}

// Lock acquires the write lock, giving up with ErrWouldBlock if timeout
// elapses first. On timeout, the lock is guaranteed not to be held by
// the caller (it may still be acquired, and immediately released, by an
// internal cleanup goroutine once the underlying acquisition completes).
func (m *RWMutex) Lock(timeout time.Duration) error {
	acquired := make(chan struct{})
	go func() {
		m.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return nil
	case <-time.After(timeout):
		go func() {
			<-acquired
			m.mu.Unlock()
		}()
		return ErrWouldBlock
	}
}

// Unlock runs the invariant check, then releases the write lock.
func (m *RWMutex) Unlock() {
	m.check()
	m.mu.Unlock()
}

// RLock acquires the read lock, giving up with ErrWouldBlock if timeout
// elapses first.
func (m *RWMutex) RLock(timeout time.Duration) error {
	acquired := make(chan struct{})
	go func() {
		m.mu.RLock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return nil
	case <-time.After(timeout):
		go func() {
			<-acquired
			m.mu.RUnlock()
		}()
		return ErrWouldBlock
	}
}

// RUnlock runs the invariant check, then releases the read lock.
func (m *RWMutex) RUnlock() {
	m.check()
	m.mu.RUnlock()
}
