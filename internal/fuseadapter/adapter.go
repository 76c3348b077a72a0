//go:build linux

// Package fuseadapter is the thin, linux-only OS driver binding: a
// fuseutil.FileSystem implementation that translates real FUSE kernel
// operations into internal/fsi.Interface calls. It embeds
// fuseutil.NotImplementedFileSystem so every operation the pod has no
// use for (links, symlinks, devices) falls back to ENOSYS.
package fuseadapter

import (
	"context"
	"os"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/meshpod/meshpod/internal/arbo"
	"github.com/meshpod/meshpod/internal/fsi"
	"github.com/meshpod/meshpod/internal/logger"
)

// Adapter implements fuseutil.FileSystem over one pod's filesystem
// interface. It owns no inode state of its own beyond the mapping
// between fuseops.HandleID and the uuid.UUID handles fsi.Interface
// hands out, since fsi/arbo already track everything else the kernel
// asks about by the same uint64 ID space fuseops.InodeID uses.
type Adapter struct {
	fuseutil.NotImplementedFileSystem

	fs *fsi.Interface

	mu          sync.Mutex
	fileHandles map[fuseops.HandleID]uuid.UUID
	dirHandles  map[fuseops.HandleID]uint64
	nextHandle  fuseops.HandleID
}

// New builds an Adapter delegating to fs.
func New(fs *fsi.Interface) *Adapter {
	return &Adapter{
		fs:          fs,
		fileHandles: make(map[fuseops.HandleID]uuid.UUID),
		dirHandles:  make(map[fuseops.HandleID]uint64),
	}
}

// Mount mounts a.fs at dir, returning the live mounted filesystem handle
// the caller joins or unmounts, mirroring fuse.Mount's own contract.
func Mount(dir string, a *Adapter, cfg *fuse.MountConfig) (*fuse.MountedFileSystem, error) {
	server := fuseutil.NewFileSystemServer(a)
	return fuse.Mount(dir, server, cfg)
}

func toInodeID(id uint64) fuseops.InodeID { return fuseops.InodeID(id) }
func toID(id fuseops.InodeID) uint64      { return uint64(id) }

func attrsFromMeta(meta arbo.Metadata) fuseops.InodeAttributes {
	mode := os.FileMode(meta.Perm)
	if meta.Kind == arbo.DirectoryType {
		mode |= os.ModeDir
	}
	return fuseops.InodeAttributes{
		Size:   meta.Size,
		Nlink:  meta.Nlink,
		Mode:   mode,
		Atime:  meta.Atime,
		Mtime:  meta.Mtime,
		Ctime:  meta.Ctime,
		Crtime: meta.Crtime,
		Uid:    meta.Uid,
		Gid:    meta.Gid,
	}
}

// errnoFor maps an fsi/arbo error onto the matching host-OS error code.
func errnoFor(err error) error {
	if err == nil {
		return nil
	}
	switch err {
	case arbo.ErrInodeNotFound, arbo.ErrChildNotFound:
		return fuse.ENOENT
	case arbo.ErrNotADirectory:
		return syscall.ENOTDIR
	case arbo.ErrNotAFile, fsi.ErrIsDirectory:
		return syscall.EISDIR
	case fsi.ErrNotDirectory:
		return syscall.ENOTDIR
	case arbo.ErrDirectoryNotEmpty:
		return syscall.ENOTEMPTY
	case fsi.ErrPermissionDenied:
		return syscall.EACCES
	case fsi.ErrHandleNotFound:
		return syscall.EBADF
	case fsi.ErrDestinationExists:
		return syscall.EEXIST
	case arbo.ErrWouldBlock:
		return syscall.EAGAIN
	default:
		logger.Warningf("fuseadapter: mapping unrecognised error to EIO: %v", err)
		return syscall.EIO
	}
}

func (a *Adapter) allocHandle() fuseops.HandleID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextHandle++
	return a.nextHandle
}

////////////////////////////////////////////////////////////////////////
// Inode metadata
////////////////////////////////////////////////////////////////////////

func (a *Adapter) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	inode, err := a.fs.GetInodeAttributes(toID(op.Inode))
	if err != nil {
		return errnoFor(err)
	}
	op.Attributes = attrsFromMeta(inode.Meta)
	return nil
}

func (a *Adapter) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	opts := fsi.SetattrOptions{}
	if op.Size != nil {
		size := int64(*op.Size)
		opts.Size = &size
	}
	if op.Mode != nil {
		perm := uint16(op.Mode.Perm())
		opts.Perm = &perm
	}
	if op.Atime != nil {
		opts.Atime = op.Atime
	}
	if op.Mtime != nil {
		opts.Mtime = op.Mtime
	}

	meta, err := a.fs.Setattr(toID(op.Inode), opts, nil)
	if err != nil {
		return errnoFor(err)
	}
	op.Attributes = attrsFromMeta(meta)
	return nil
}

func (a *Adapter) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return nil
}

////////////////////////////////////////////////////////////////////////
// Lookup / directory entries
////////////////////////////////////////////////////////////////////////

func (a *Adapter) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	child, err := a.fs.Net.Tree.GetInodeChildByName(toID(op.Parent), op.Name)
	if err != nil {
		return errnoFor(err)
	}
	op.Entry = fuseops.ChildInodeEntry{
		Child:      toInodeID(child.ID),
		Attributes: attrsFromMeta(child.Meta),
	}
	return nil
}

func (a *Adapter) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	inode, err := a.fs.MakeInode(toID(op.Parent), op.Name, arbo.DirectoryType)
	if err != nil {
		return errnoFor(err)
	}
	op.Entry = fuseops.ChildInodeEntry{Child: toInodeID(inode.ID), Attributes: attrsFromMeta(inode.Meta)}
	return nil
}

func (a *Adapter) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	child, err := a.fs.Net.Tree.GetInodeChildByName(toID(op.Parent), op.Name)
	if err != nil {
		return errnoFor(err)
	}
	if err := a.fs.RemoveInode(child.ID); err != nil {
		return errnoFor(err)
	}
	return nil
}

func (a *Adapter) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	inode, err := a.fs.MakeInode(toID(op.Parent), op.Name, arbo.FileType)
	if err != nil {
		return errnoFor(err)
	}
	h, err := a.fs.Open(inode.ID, fsi.ReadWrite, fsi.OpenFlags{})
	if err != nil {
		return errnoFor(err)
	}
	op.Entry = fuseops.ChildInodeEntry{Child: toInodeID(inode.ID), Attributes: attrsFromMeta(inode.Meta)}
	op.Handle = a.allocHandle()
	a.mu.Lock()
	a.fileHandles[op.Handle] = h.ID
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	child, err := a.fs.Net.Tree.GetInodeChildByName(toID(op.Parent), op.Name)
	if err != nil {
		return errnoFor(err)
	}
	if err := a.fs.RemoveInode(child.ID); err != nil {
		return errnoFor(err)
	}
	return nil
}

func (a *Adapter) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	err := a.fs.Rename(toID(op.OldParent), toID(op.NewParent), op.OldName, op.NewName, true)
	if err != nil {
		return errnoFor(err)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

func (a *Adapter) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	op.Handle = a.allocHandle()
	a.mu.Lock()
	a.dirHandles[op.Handle] = toID(op.Inode)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	a.mu.Lock()
	inodeID, ok := a.dirHandles[op.Handle]
	a.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}

	children, err := a.fs.ReadDir(inodeID)
	if err != nil {
		return errnoFor(err)
	}

	var n int
	offset := int(op.Offset)
	for i := offset; i < len(children); i++ {
		child := children[i]
		fileType := fuseutil.DT_File
		if child.IsDir() {
			fileType = fuseutil.DT_Directory
		}
		written := fuseutil.WriteDirent(op.Dst[n:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  toInodeID(child.ID),
			Name:   child.Name,
			Type:   fileType,
		})
		if written == 0 {
			break
		}
		n += written
	}
	op.BytesRead = n
	return nil
}

func (a *Adapter) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	a.mu.Lock()
	delete(a.dirHandles, op.Handle)
	a.mu.Unlock()
	return nil
}

////////////////////////////////////////////////////////////////////////
// File handles / I/O
////////////////////////////////////////////////////////////////////////

func (a *Adapter) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	// fuseops.OpenFileOp carries no POSIX open(2) flags (the kernel is
	// expected to enforce access itself via default_permissions); every
	// handle is opened read-write, so fsi.Interface.Write accepts writes
	// through it without consulting the inode's permission bits. Only
	// Setattr, which this adapter calls without a file handle, falls back
	// to the inode's own permission bits.
	h, err := a.fs.Open(toID(op.Inode), fsi.ReadWrite, fsi.OpenFlags{})
	if err != nil {
		return errnoFor(err)
	}
	op.Handle = a.allocHandle()
	a.mu.Lock()
	a.fileHandles[op.Handle] = h.ID
	a.mu.Unlock()
	return nil
}

func (a *Adapter) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	n, err := a.fs.ReadFile(ctx, toID(op.Inode), op.Offset, op.Dst)
	op.BytesRead = n
	if err != nil && n == 0 {
		return errnoFor(err)
	}
	return nil
}

func (a *Adapter) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	a.mu.Lock()
	fh, ok := a.fileHandles[op.Handle]
	a.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}
	_, err := a.fs.Write(toID(op.Inode), op.Data, op.Offset, fh)
	if err != nil {
		return errnoFor(err)
	}
	return nil
}

func (a *Adapter) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (a *Adapter) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	a.mu.Lock()
	fh, ok := a.fileHandles[op.Handle]
	delete(a.fileHandles, op.Handle)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	if err := a.fs.Release(fh, 0); err != nil {
		logger.Warningf("fuseadapter: release handle %s: %v", fh, err)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Extended attributes
////////////////////////////////////////////////////////////////////////

func (a *Adapter) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	v, err := a.fs.GetXAttr(toID(op.Inode), op.Name)
	if err != nil {
		return syscall.ENODATA
	}
	if len(op.Dst) < len(v) {
		return syscall.ERANGE
	}
	op.BytesRead = copy(op.Dst, v)
	return nil
}

func (a *Adapter) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	keys, err := a.fs.ListXAttr(toID(op.Inode))
	if err != nil {
		return errnoFor(err)
	}
	var n int
	for _, k := range keys {
		n += len(k) + 1
	}
	if len(op.Dst) < n {
		return syscall.ERANGE
	}
	off := 0
	for _, k := range keys {
		off += copy(op.Dst[off:], k)
		op.Dst[off] = 0
		off++
	}
	op.BytesRead = off
	return nil
}

func (a *Adapter) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	if err := a.fs.SetXAttr(toID(op.Inode), op.Name, op.Value); err != nil {
		return errnoFor(err)
	}
	return nil
}

func (a *Adapter) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	if err := a.fs.RemoveXAttr(toID(op.Inode), op.Name); err != nil {
		return syscall.ENODATA
	}
	return nil
}
