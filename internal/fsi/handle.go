package fsi

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jacobsa/syncutil"
)

// AccessMode is the permission an open file handle was granted.
type AccessMode int

const (
	ReadOnly AccessMode = iota
	WriteOnly
	ReadWrite
)

// CanWrite reports whether m permits writing.
func (m AccessMode) CanWrite() bool { return m == WriteOnly || m == ReadWrite }

// CanRead reports whether m permits reading.
func (m AccessMode) CanRead() bool { return m == ReadOnly || m == ReadWrite }

// OpenFlags are the per-open behavioral switches recorded at open time.
type OpenFlags struct {
	NoAtime bool
	Direct  bool
	Trunc   bool
	Exec    bool
}

// FileHandle is one open()'d reference to an inode.
type FileHandle struct {
	ID      uuid.UUID
	InodeID uint64
	Access  AccessMode
	Flags   OpenFlags
	Dirty   bool // saw at least one write since open
}

// handleTable is the open-file-handle map. It never contends with
// network goroutines (only FUSE/WinFSP callback goroutines touch it),
// so it carries no acquisition timeout, unlike internal/timedlock's
// guards on the arbo and peer list.
type handleTable struct {
	mu      syncutil.InvariantMutex
	handles map[uuid.UUID]*FileHandle // GUARDED_BY(mu)
}

func newHandleTable() *handleTable {
	t := &handleTable{handles: make(map[uuid.UUID]*FileHandle)}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

func (t *handleTable) checkInvariants() {
	for id, h := range t.handles {
		if h == nil {
			panic(fmt.Sprintf("fsi: nil handle stored under %s", id))
		}
		if h.ID != id {
			panic(fmt.Sprintf("fsi: handle %s stored under mismatched key %s", h.ID, id))
		}
	}
}

func (t *handleTable) open(inodeID uint64, access AccessMode, flags OpenFlags) *FileHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := &FileHandle{ID: uuid.New(), InodeID: inodeID, Access: access, Flags: flags}
	t.handles[h.ID] = h
	return h
}

func (t *handleTable) get(id uuid.UUID) (*FileHandle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.handles[id]
	return h, ok
}

func (t *handleTable) markDirty(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.handles[id]; ok {
		h.Dirty = true
	}
}

func (t *handleTable) release(id uuid.UUID) (*FileHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.handles[id]
	if ok {
		delete(t.handles, id)
	}
	return h, ok
}
