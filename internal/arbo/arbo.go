package arbo

import (
	"fmt"
	"sort"
	"time"

	"github.com/meshpod/meshpod/internal/clock"
	"github.com/meshpod/meshpod/internal/path"
	"github.com/meshpod/meshpod/internal/timedlock"
)

// Tree is the shared, lockable directory tree. Every public method
// acquires the tree-wide lock itself (with a bounded timeout) and
// releases it before returning, so no caller ever holds a reference
// into tree-owned memory across a lock boundary; Inode values handed
// back to callers are always clones.
type Tree struct {
	lock    *timedlock.RWMutex
	timeout time.Duration
	inodes  map[uint64]*Inode
	clock   clock.Clock
}

// New builds a Tree with ROOT pre-inserted, self-parented, as a
// directory.
func New(clk clock.Clock, lockTimeout time.Duration) *Tree {
	t := &Tree{
		timeout: lockTimeout,
		inodes:  make(map[uint64]*Inode),
		clock:   clk,
	}
	t.lock = timedlock.New(t.checkInvariants)

	now := clk.Now()
	t.inodes[RootID] = &Inode{
		ID:     RootID,
		Parent: RootID,
		Name:   "/",
		Entry:  NewDirEntry(),
		Meta: Metadata{
			Kind:  DirectoryType,
			Perm:  0755,
			Nlink: 2,
			Atime: now, Mtime: now, Ctime: now, Crtime: now,
		},
	}
	return t
}

// checkInvariants enforces the tree's structural invariants after
// every write: ROOT present and self-parented, parent/child links
// bidirectional, host sets duplicate-free, reserved IDs named and
// parented as the reserved table dictates. It must only ever be called
// while already holding the lock (timedlock.RWMutex.Unlock/RUnlock
// call it for us).
func (t *Tree) checkInvariants() {
	root, ok := t.inodes[RootID]
	if !ok {
		panic("arbo: ROOT missing")
	}
	if root.Parent != RootID || !root.IsDir() {
		panic("arbo: ROOT must be a self-parented directory")
	}

	for id, inode := range t.inodes {
		if id != RootID {
			parent, ok := t.inodes[inode.Parent]
			if !ok || !parent.IsDir() {
				panic(fmt.Sprintf("arbo: inode %d has no valid directory parent", id))
			}
			if !containsID(parent.Entry.Children, id) {
				panic(fmt.Sprintf("arbo: inode %d missing from parent %d's children", id, inode.Parent))
			}
		}
		if inode.IsDir() {
			for _, c := range inode.Entry.Children {
				child, ok := t.inodes[c]
				if !ok || child.Parent != id {
					panic(fmt.Sprintf("arbo: directory %d has dangling/mismatched child %d", id, c))
				}
			}
		}
		if inode.IsFile() {
			seen := make(map[string]struct{}, len(inode.Entry.Hosts))
			for _, h := range inode.Entry.Hosts {
				if _, dup := seen[h]; dup {
					panic(fmt.Sprintf("arbo: inode %d has duplicate host %q", id, h))
				}
				seen[h] = struct{}{}
			}
		}
		if name, ok := reservedNames[id]; ok {
			if inode.Name != name || (id != RootID && inode.Parent != RootID) {
				panic(fmt.Sprintf("arbo: reserved id %d must be named %q directly under root", id, name))
			}
		}
	}
}

func containsID(ids []uint64, target uint64) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

func containsStr(s []string, target string) bool {
	for _, v := range s {
		if v == target {
			return true
		}
	}
	return false
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

// AddInode inserts inode, failing if its ID already exists, its parent
// is absent, or its parent is not a directory. On success it is pushed
// into the parent's children.
func (t *Tree) AddInode(inode *Inode) error {
	if err := t.lock.Lock(t.timeout); err != nil {
		return ErrWouldBlock
	}
	defer t.lock.Unlock()

	if _, exists := t.inodes[inode.ID]; exists {
		return ErrInodeExists
	}
	parent, ok := t.inodes[inode.Parent]
	if !ok {
		return ErrParentNotFound
	}
	if !parent.IsDir() {
		return ErrParentNotFolder
	}

	stored := inode.Clone()
	t.inodes[stored.ID] = stored
	parent.Entry.Children = append(parent.Entry.Children, stored.ID)
	return nil
}

// RemoveInode deletes id, unlinking it from its parent's children and
// returning the removed record (a clone, safe to use after unlock).
func (t *Tree) RemoveInode(id uint64) (*Inode, error) {
	if err := t.lock.Lock(t.timeout); err != nil {
		return nil, ErrWouldBlock
	}
	defer t.lock.Unlock()

	inode, ok := t.inodes[id]
	if !ok {
		return nil, ErrInodeNotFound
	}
	if inode.IsDir() && len(inode.Entry.Children) > 0 {
		return nil, ErrDirectoryNotEmpty
	}
	parent, ok := t.inodes[inode.Parent]
	if ok {
		parent.Entry.Children = removeID(parent.Entry.Children, id)
	}
	delete(t.inodes, id)
	return inode.Clone(), nil
}

// MvInode atomically unlinks the named child from parent and re-inserts
// it under newParent with newName.
func (t *Tree) MvInode(parent, newParent uint64, name, newName string) error {
	if err := t.lock.Lock(t.timeout); err != nil {
		return ErrWouldBlock
	}
	defer t.lock.Unlock()

	parentInode, ok := t.inodes[parent]
	if !ok {
		return ErrParentNotFound
	}
	if !parentInode.IsDir() {
		return ErrParentNotFolder
	}
	childID, ok := t.lookupChildLocked(parentInode, name)
	if !ok {
		return ErrChildNotFound
	}
	newParentInode, ok := t.inodes[newParent]
	if !ok {
		return ErrParentNotFound
	}
	if !newParentInode.IsDir() {
		return ErrParentNotFolder
	}

	parentInode.Entry.Children = removeID(parentInode.Entry.Children, childID)
	newParentInode.Entry.Children = append(newParentInode.Entry.Children, childID)

	child := t.inodes[childID]
	child.Parent = newParent
	child.Name = newName
	return nil
}

// lookupChildLocked resolves name among parent's children by walking the
// tree's inode map rather than keeping a secondary name index, so the
// flat id->inode map stays the single source of truth.
func (t *Tree) lookupChildLocked(dir *Inode, name string) (uint64, bool) {
	for _, id := range dir.Entry.Children {
		child := t.inodes[id]
		if child != nil && child.Name == name {
			return id, true
		}
	}
	return 0, false
}

// GetInode returns a clone of the inode with id.
func (t *Tree) GetInode(id uint64) (*Inode, error) {
	if err := t.lock.RLock(t.timeout); err != nil {
		return nil, ErrWouldBlock
	}
	defer t.lock.RUnlock()

	inode, ok := t.inodes[id]
	if !ok {
		return nil, ErrInodeNotFound
	}
	return inode.Clone(), nil
}

// GetInodeChildByName resolves a child of parent by name.
func (t *Tree) GetInodeChildByName(parent uint64, name string) (*Inode, error) {
	if err := t.lock.RLock(t.timeout); err != nil {
		return nil, ErrWouldBlock
	}
	defer t.lock.RUnlock()

	parentInode, ok := t.inodes[parent]
	if !ok {
		return nil, ErrInodeNotFound
	}
	if !parentInode.IsDir() {
		return nil, ErrNotADirectory
	}
	for _, id := range parentInode.Entry.Children {
		child := t.inodes[id]
		if child != nil && child.Name == name {
			return child.Clone(), nil
		}
	}
	return nil, ErrChildNotFound
}

// PathFromID walks id up to ROOT, joining component names.
func (t *Tree) PathFromID(id uint64) (path.Path, error) {
	if err := t.lock.RLock(t.timeout); err != nil {
		return path.Path{}, ErrWouldBlock
	}
	defer t.lock.RUnlock()
	return t.pathFromIDLocked(id)
}

func (t *Tree) pathFromIDLocked(id uint64) (path.Path, error) {
	var names []string
	cur, ok := t.inodes[id]
	if !ok {
		return path.Path{}, ErrInodeNotFound
	}
	for cur.ID != RootID {
		names = append([]string{cur.Name}, names...)
		parent, ok := t.inodes[cur.Parent]
		if !ok {
			return path.Path{}, ErrInodeNotFound
		}
		cur = parent
	}
	p := path.Root()
	for _, n := range names {
		p.Push(n)
	}
	return p, nil
}

// InodeFromPath resolves p component by component, starting at ROOT.
func (t *Tree) InodeFromPath(p path.Path) (*Inode, error) {
	if err := t.lock.RLock(t.timeout); err != nil {
		return nil, ErrWouldBlock
	}
	defer t.lock.RUnlock()

	cur, ok := t.inodes[RootID]
	if !ok {
		return nil, ErrInodeNotFound
	}
	for _, comp := range p.Components() {
		if !cur.IsDir() {
			return nil, ErrNotADirectory
		}
		var next *Inode
		for _, id := range cur.Entry.Children {
			child := t.inodes[id]
			if child != nil && child.Name == comp {
				next = child
				break
			}
		}
		if next == nil {
			return nil, ErrChildNotFound
		}
		cur = next
	}
	return cur.Clone(), nil
}

// SetHosts replaces a file's host set outright.
func (t *Tree) SetHosts(id uint64, hosts []string) error {
	return t.mutateFile(id, func(inode *Inode) {
		inode.Entry.Hosts = dedupe(hosts)
	})
}

// AddHosts unions hosts into the file's existing host set, preserving
// insertion order and never introducing a duplicate.
func (t *Tree) AddHosts(id uint64, hosts []string) error {
	return t.mutateFile(id, func(inode *Inode) {
		for _, h := range hosts {
			if !containsStr(inode.Entry.Hosts, h) {
				inode.Entry.Hosts = append(inode.Entry.Hosts, h)
			}
		}
	})
}

// RemoveHosts removes hosts from the file's host set (set difference).
func (t *Tree) RemoveHosts(id uint64, hosts []string) error {
	return t.mutateFile(id, func(inode *Inode) {
		remaining := inode.Entry.Hosts[:0]
		for _, h := range inode.Entry.Hosts {
			if !containsStr(hosts, h) {
				remaining = append(remaining, h)
			}
		}
		inode.Entry.Hosts = remaining
	})
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !containsStr(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func (t *Tree) mutateFile(id uint64, mutate func(*Inode)) error {
	if err := t.lock.Lock(t.timeout); err != nil {
		return ErrWouldBlock
	}
	defer t.lock.Unlock()

	inode, ok := t.inodes[id]
	if !ok {
		return ErrInodeNotFound
	}
	if !inode.IsFile() {
		return ErrNotAFile
	}
	mutate(inode)
	return nil
}

// SetMeta replaces an inode's metadata wholesale.
func (t *Tree) SetMeta(id uint64, meta Metadata) error {
	if err := t.lock.Lock(t.timeout); err != nil {
		return ErrWouldBlock
	}
	defer t.lock.Unlock()

	inode, ok := t.inodes[id]
	if !ok {
		return ErrInodeNotFound
	}
	inode.Meta = meta
	return nil
}

// SetXAttr sets a single extended attribute on id.
func (t *Tree) SetXAttr(id uint64, key string, value []byte) error {
	if err := t.lock.Lock(t.timeout); err != nil {
		return ErrWouldBlock
	}
	defer t.lock.Unlock()

	inode, ok := t.inodes[id]
	if !ok {
		return ErrInodeNotFound
	}
	if inode.XAttrs == nil {
		inode.XAttrs = make(map[string][]byte)
	}
	inode.XAttrs[key] = append([]byte(nil), value...)
	return nil
}

// RemoveXAttr removes a single extended attribute from id.
func (t *Tree) RemoveXAttr(id uint64, key string) error {
	if err := t.lock.Lock(t.timeout); err != nil {
		return ErrWouldBlock
	}
	defer t.lock.Unlock()

	inode, ok := t.inodes[id]
	if !ok {
		return ErrInodeNotFound
	}
	delete(inode.XAttrs, key)
	return nil
}

// FilesHostedOnlyBy returns the IDs of every file whose host set is
// exactly {addr}, for stop-time evacuation.
func (t *Tree) FilesHostedOnlyBy(addr string) ([]uint64, error) {
	if err := t.lock.RLock(t.timeout); err != nil {
		return nil, ErrWouldBlock
	}
	defer t.lock.RUnlock()

	var out []uint64
	for id, inode := range t.inodes {
		if inode.IsFile() && len(inode.Entry.Hosts) == 1 && inode.Entry.Hosts[0] == addr {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Snapshot returns a deep-cloned copy of every inode in the tree, keyed
// by ID, for serialization (wire transfer or the on-disk .arbo record).
func (t *Tree) Snapshot() (map[uint64]*Inode, error) {
	if err := t.lock.RLock(t.timeout); err != nil {
		return nil, ErrWouldBlock
	}
	defer t.lock.RUnlock()

	out := make(map[uint64]*Inode, len(t.inodes))
	for id, inode := range t.inodes {
		out[id] = inode.Clone()
	}
	return out, nil
}

// LoadSnapshot replaces the tree's contents wholesale with snapshot,
// used when adopting a peer's arbo during the handshake.
func (t *Tree) LoadSnapshot(snapshot map[uint64]*Inode) error {
	if err := t.lock.Lock(t.timeout); err != nil {
		return ErrWouldBlock
	}
	defer t.lock.Unlock()

	t.inodes = make(map[uint64]*Inode, len(snapshot))
	for id, inode := range snapshot {
		t.inodes[id] = inode.Clone()
	}
	return nil
}
