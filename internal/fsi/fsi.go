// Package fsi implements the filesystem interface (component H): the
// public entry points an OS driver adapter (FUSE/WinFSP) calls into.
// Every operation here is a small orchestration over the arbo, the
// local disk manager, and the network interface's broadcast helpers —
// none of them touch a peer connection or the wire codec directly.
package fsi

import (
	"context"
	"io/fs"
	"time"

	"github.com/google/uuid"

	"github.com/meshpod/meshpod/internal/arbo"
	"github.com/meshpod/meshpod/internal/clock"
	"github.com/meshpod/meshpod/internal/diskmgr"
	"github.com/meshpod/meshpod/internal/network"
)

// Interface is the filesystem interface, wired to one pod's network
// interface, disk manager, and clock.
type Interface struct {
	Net   *network.Interface
	Disk  diskmgr.Interface
	Clock clock.Clock

	handles *handleTable
}

// New builds a filesystem interface over net/disk, stamping new
// metadata with clk.
func New(net *network.Interface, disk diskmgr.Interface, clk clock.Clock) *Interface {
	return &Interface{Net: net, Disk: disk, Clock: clk, handles: newHandleTable()}
}

// MakeInode reserves an ID (a fixed reserved ID if parent/name name one
// of the recognised special files, otherwise the network interface's
// counter), builds a default Inode, registers it in the arbo, and
// materializes it on disk. Any failure after the arbo insertion rolls
// the arbo entry back.
func (f *Interface) MakeInode(parent uint64, name string, kind arbo.SimpleFileType) (*arbo.Inode, error) {
	id, reserved := arbo.ReservedIDForName(parent, name)
	if !reserved {
		id = f.Net.GetNextInode()
	}

	now := f.Clock.Now()
	inode := &arbo.Inode{
		ID:     id,
		Parent: parent,
		Name:   name,
		Meta: arbo.Metadata{
			Kind:   kind,
			Crtime: now, Ctime: now, Mtime: now, Atime: now,
		},
	}
	if kind == arbo.DirectoryType {
		inode.Entry = arbo.NewDirEntry()
		inode.Meta.Perm = 0755
		inode.Meta.Nlink = 2
	} else {
		inode.Entry = arbo.NewFileEntry(f.Net.SelfAddr)
		inode.Meta.Perm = 0644
		inode.Meta.Nlink = 1
	}

	if err := f.Net.RegisterNewInode(inode); err != nil {
		return nil, err
	}

	path, err := f.Net.Tree.PathFromID(id)
	if err != nil {
		_ = f.Net.UnregisterInode(id)
		return nil, err
	}
	if kind == arbo.DirectoryType {
		err = f.Disk.NewDir(path.String(), 0755)
	} else {
		err = f.Disk.NewFile(path.String(), 0644)
	}
	if err != nil {
		_ = f.Net.UnregisterInode(id)
		return nil, err
	}
	return inode, nil
}

// RemoveInode removes id's local copy (if this host holds one) and
// unregisters it from the arbo. Directories must be empty.
func (f *Interface) RemoveInode(id uint64) error {
	inode, err := f.Net.Tree.GetInode(id)
	if err != nil {
		return err
	}

	path, pathErr := f.Net.Tree.PathFromID(id)
	if inode.IsFile() {
		if pathErr == nil && hostsInclude(inode.Entry.Hosts, f.Net.SelfAddr) {
			if err := f.Disk.RemoveFile(path.String()); err != nil {
				return err
			}
		}
	} else {
		if len(inode.Entry.Children) > 0 {
			return arbo.ErrDirectoryNotEmpty
		}
		if pathErr == nil {
			if err := f.Disk.RemoveDir(path.String()); err != nil {
				return err
			}
		}
	}
	return f.Net.UnregisterInode(id)
}

func hostsInclude(hosts []string, addr string) bool {
	for _, h := range hosts {
		if h == addr {
			return true
		}
	}
	return false
}

// ReadFile ensures a local replica exists (pulling and waiting on it if
// necessary) and reads from it.
func (f *Interface) ReadFile(ctx context.Context, id uint64, offset int64, buf []byte) (int, error) {
	inode, err := f.Net.Tree.GetInode(id)
	if err != nil {
		return 0, err
	}
	if !inode.IsFile() {
		return 0, ErrIsDirectory
	}

	if !hostsInclude(inode.Entry.Hosts, f.Net.SelfAddr) {
		call, ok, err := f.Net.PullFile(id)
		if err != nil {
			return 0, err
		}
		if ok {
			status, err := f.Net.Callbacks.WaitFor(ctx, call)
			if err != nil {
				return 0, err
			}
			if !status {
				return 0, ErrPullFailed
			}
		}
	}

	path, err := f.Net.Tree.PathFromID(id)
	if err != nil {
		return 0, err
	}
	return f.Disk.ReadFile(path.String(), offset, buf)
}

// Write validates fh grants write access, writes data to disk, updates
// metadata if the size changed, and then revokes remote hosts: every
// local write makes this host the file's sole replica until the
// redundancy worker rebuilds the replica set.
func (f *Interface) Write(id uint64, data []byte, offset int64, fh uuid.UUID) (int, error) {
	handle, ok := f.handles.get(fh)
	if !ok {
		return 0, ErrHandleNotFound
	}
	if !handle.Access.CanWrite() {
		return 0, ErrPermissionDenied
	}

	inode, err := f.Net.Tree.GetInode(id)
	if err != nil {
		return 0, err
	}
	path, err := f.Net.Tree.PathFromID(id)
	if err != nil {
		return 0, err
	}

	n, err := f.Disk.WriteFile(path.String(), data, offset)
	if err != nil {
		return n, err
	}
	f.handles.markDirty(fh)

	newSize := uint64(offset) + uint64(n)
	if newSize > inode.Meta.Size {
		now := f.Clock.Now()
		meta := inode.Meta
		meta.Size = newSize
		meta.Mtime = now
		meta.Ctime = now
		if err := f.Net.UpdateMetadata(id, meta); err != nil {
			return n, err
		}
	}

	if err := f.revokeRemoteHosts(id); err != nil {
		return n, err
	}
	return n, nil
}

// revokeRemoteHosts resets id's host set to {self}, broadcasts the
// change, and enqueues a redundancy job to rebuild the replica set.
func (f *Interface) revokeRemoteHosts(id uint64) error {
	if err := f.Net.UpdateHosts(id, []string{f.Net.SelfAddr}); err != nil {
		return err
	}
	f.Net.ApplyRedundancy(id)
	return nil
}

// SetattrOptions carries the optional fields a setattr call supplies;
// nil fields are left untouched.
type SetattrOptions struct {
	Perm  *uint16
	Uid   *uint32
	Gid   *uint32
	Size  *int64
	Atime *time.Time
	Mtime *time.Time
	Ctime *time.Time
}

// Setattr merges opts into id's metadata, applying disk-level size and
// permission changes where required, and broadcasts the result.
func (f *Interface) Setattr(id uint64, opts SetattrOptions, fh *uuid.UUID) (arbo.Metadata, error) {
	inode, err := f.Net.Tree.GetInode(id)
	if err != nil {
		return arbo.Metadata{}, err
	}
	meta := inode.Meta
	sizeChanged := false

	if opts.Size != nil {
		if !f.canWriteInode(inode, fh) {
			return arbo.Metadata{}, ErrPermissionDenied
		}
		path, err := f.Net.Tree.PathFromID(id)
		if err != nil {
			return arbo.Metadata{}, err
		}
		if err := f.Disk.SetFileSize(path.String(), *opts.Size); err != nil {
			return arbo.Metadata{}, err
		}
		meta.Size = uint64(*opts.Size)
		sizeChanged = true
	}
	if opts.Perm != nil {
		meta.Perm = *opts.Perm
		path, err := f.Net.Tree.PathFromID(id)
		if err == nil {
			_ = f.Disk.SetPermissions(path.String(), fs.FileMode(*opts.Perm))
		}
	}
	if opts.Uid != nil {
		meta.Uid = *opts.Uid
	}
	if opts.Gid != nil {
		meta.Gid = *opts.Gid
	}

	now := f.Clock.Now()
	switch {
	case opts.Atime != nil:
		meta.Atime = *opts.Atime
	case fh != nil:
		if h, ok := f.handles.get(*fh); ok && !h.Flags.NoAtime {
			meta.Atime = now
		}
	}
	if opts.Mtime != nil {
		meta.Mtime = *opts.Mtime
	} else if sizeChanged {
		meta.Mtime = now
	}
	if opts.Ctime != nil {
		meta.Ctime = *opts.Ctime
	} else {
		meta.Ctime = now
	}

	if err := f.Net.UpdateMetadata(id, meta); err != nil {
		return arbo.Metadata{}, err
	}
	return meta, nil
}

func (f *Interface) canWriteInode(inode *arbo.Inode, fh *uuid.UUID) bool {
	if fh != nil {
		if h, ok := f.handles.get(*fh); ok {
			return h.Access.CanWrite()
		}
	}
	return inode.Meta.Perm&0200 != 0
}

// Open allocates a new file handle for id.
func (f *Interface) Open(id uint64, access AccessMode, flags OpenFlags) (*FileHandle, error) {
	inode, err := f.Net.Tree.GetInode(id)
	if err != nil {
		return nil, err
	}

	h := f.handles.open(id, access, flags)
	if flags.Trunc && inode.IsFile() {
		if _, err := f.Setattr(id, SetattrOptions{Size: ptrInt64(0)}, &h.ID); err != nil {
			f.handles.release(h.ID)
			return nil, err
		}
	}
	return h, nil
}

func ptrInt64(v int64) *int64 { return &v }

// Release drops fh; if it saw writes, a redundancy job is enqueued so
// the replica set is rebuilt even if Write's own revoke raced with a
// disconnect before the broadcast landed.
func (f *Interface) Release(fh uuid.UUID, id uint64) error {
	h, ok := f.handles.release(fh)
	if !ok {
		return ErrHandleNotFound
	}
	if h.Dirty {
		// The handle records its own inode, so a caller that no longer
		// knows the id (a driver releasing by handle alone) may pass 0.
		if id == 0 {
			id = h.InodeID
		}
		f.Net.ApplyRedundancy(id)
	}
	return nil
}

// Rename moves (parent, name) to (newParent, newName). If either name
// names a reserved special file under ROOT, a reserved inode's ID is
// fixed and the move is instead performed as a copy-delete; otherwise
// it is an ordinary in-place arbo + disk rename.
func (f *Interface) Rename(parent, newParent uint64, name, newName string, overwrite bool) error {
	if _, err := f.Net.Tree.GetInodeChildByName(newParent, newName); err == nil && !overwrite {
		return ErrDestinationExists
	}

	_, srcReserved := arbo.ReservedIDForName(parent, name)
	_, dstReserved := arbo.ReservedIDForName(newParent, newName)
	if srcReserved || dstReserved {
		return f.specialRename(parent, newParent, name, newName, overwrite)
	}

	// An overwrite target is removed up front (arbo, disk, and a Remove
	// broadcast), so the move below never lands on an occupied name.
	if dest, err := f.Net.Tree.GetInodeChildByName(newParent, newName); err == nil {
		if err := f.RemoveInode(dest.ID); err != nil {
			return err
		}
	}

	oldPath, err := f.Net.Tree.PathFromID(parent)
	if err != nil {
		return err
	}
	newPath, err := f.Net.Tree.PathFromID(newParent)
	if err != nil {
		return err
	}
	if err := f.Disk.MvFile(oldPath.Join(name).String(), newPath.Join(newName).String()); err != nil {
		return err
	}
	return f.Net.Rename(parent, newParent, name, newName, overwrite)
}

// specialRename moves a file by copy-delete. Used whenever a reserved
// inode ID is involved on either end of a rename, since a reserved ID
// cannot simply be relabeled onto a different path.
func (f *Interface) specialRename(parent, newParent uint64, name, newName string, overwrite bool) error {
	src, err := f.Net.Tree.GetInodeChildByName(parent, name)
	if err != nil {
		return err
	}
	if src.IsDir() {
		return ErrIsDirectory
	}

	srcPath, err := f.Net.Tree.PathFromID(src.ID)
	if err != nil {
		return err
	}
	data := make([]byte, src.Meta.Size)
	if _, err := f.Disk.ReadFile(srcPath.String(), 0, data); err != nil {
		return err
	}

	if dest, err := f.Net.Tree.GetInodeChildByName(newParent, newName); err == nil {
		if !overwrite {
			return ErrDestinationExists
		}
		destPath, err := f.Net.Tree.PathFromID(dest.ID)
		if err != nil {
			return err
		}
		if err := f.Disk.SetFileSize(destPath.String(), int64(len(data))); err != nil {
			return err
		}
		if _, err := f.Disk.WriteFile(destPath.String(), data, 0); err != nil {
			return err
		}
		meta := dest.Meta
		meta.Size = uint64(len(data))
		meta.Mtime = f.Clock.Now()
		if err := f.Net.UpdateMetadata(dest.ID, meta); err != nil {
			return err
		}
	} else {
		newInode, err := f.MakeInode(newParent, newName, arbo.FileType)
		if err != nil {
			return err
		}
		destPath, err := f.Net.Tree.PathFromID(newInode.ID)
		if err != nil {
			return err
		}
		if _, err := f.Disk.WriteFile(destPath.String(), data, 0); err != nil {
			return err
		}
		meta := newInode.Meta
		meta.Size = uint64(len(data))
		if err := f.Net.UpdateMetadata(newInode.ID, meta); err != nil {
			return err
		}
	}

	return f.RemoveInode(src.ID)
}

// GetXAttr reads a single extended attribute from the arbo.
func (f *Interface) GetXAttr(id uint64, key string) ([]byte, error) {
	inode, err := f.Net.Tree.GetInode(id)
	if err != nil {
		return nil, err
	}
	v, ok := inode.XAttrs[key]
	if !ok {
		return nil, ErrXAttrNotFound
	}
	return v, nil
}

// ListXAttr returns the keys of every extended attribute set on id.
func (f *Interface) ListXAttr(id uint64) ([]string, error) {
	inode, err := f.Net.Tree.GetInode(id)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(inode.XAttrs))
	for k := range inode.XAttrs {
		keys = append(keys, k)
	}
	return keys, nil
}

// XAttrExists reports whether id has key set.
func (f *Interface) XAttrExists(id uint64, key string) (bool, error) {
	inode, err := f.Net.Tree.GetInode(id)
	if err != nil {
		return false, err
	}
	_, ok := inode.XAttrs[key]
	return ok, nil
}

// SetXAttr sets an extended attribute and broadcasts it.
func (f *Interface) SetXAttr(id uint64, key string, value []byte) error {
	return f.Net.SetInodeXAttr(id, key, value)
}

// RemoveXAttr removes an extended attribute and broadcasts it.
func (f *Interface) RemoveXAttr(id uint64, key string) error {
	return f.Net.RemoveInodeXAttr(id, key)
}

// ReadDir returns every child inode of id.
func (f *Interface) ReadDir(id uint64) ([]*arbo.Inode, error) {
	dir, err := f.Net.Tree.GetInode(id)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, ErrNotDirectory
	}
	out := make([]*arbo.Inode, 0, len(dir.Entry.Children))
	for _, childID := range dir.Entry.Children {
		child, err := f.Net.Tree.GetInode(childID)
		if err != nil {
			continue
		}
		out = append(out, child)
	}
	return out, nil
}

// SetPermissions is a thin Setattr wrapper for the common perm-only case.
func (f *Interface) SetPermissions(id uint64, perm uint16) error {
	_, err := f.Setattr(id, SetattrOptions{Perm: &perm}, nil)
	return err
}

// GetInodeAttributes returns id's current inode record.
func (f *Interface) GetInodeAttributes(id uint64) (*arbo.Inode, error) {
	return f.Net.Tree.GetInode(id)
}
