package network

import (
	"errors"
	"io/fs"

	"github.com/meshpod/meshpod/internal/arbo"
	"github.com/meshpod/meshpod/internal/callback"
	"github.com/meshpod/meshpod/internal/diskmgr"
	"github.com/meshpod/meshpod/internal/logger"
	"github.com/meshpod/meshpod/internal/peer"
	"github.com/meshpod/meshpod/internal/wire"
)

// Router is the "airport": a long-running task draining the inbound
// channel and dispatching on message kind. Every per-message failure is
// logged, never propagated, so the router always keeps draining.
type Router struct {
	net *Interface
}

// NewRouter builds a Router dispatching against net.
func NewRouter(net *Interface) *Router {
	return &Router{net: net}
}

// Run drains inbound until it is closed.
func (r *Router) Run(inbound <-chan peer.Inbound) {
	for in := range inbound {
		r.dispatch(in.From, in.Message)
	}
}

func (r *Router) dispatch(from string, msg wire.Message) {
	var err error
	switch msg.Kind {
	case wire.KindInode:
		err = r.onInode(msg.Inode)
	case wire.KindRemove:
		err = r.onRemove(msg.InodeID)
	case wire.KindRename:
		err = r.onRename(msg)
	case wire.KindPullAnswer:
		err = r.onPullAnswer(msg.InodeID, msg.Bytes)
	case wire.KindRedundancyFile:
		err = r.onRedundancyFile(from, msg.InodeID, msg.Bytes)
	case wire.KindRequestFile:
		err = r.onRequestFile(msg.InodeID, msg.Address)
	case wire.KindRequestPull:
		r.net.AckRedundancyDelivery(msg.InodeID, from)
		r.net.Callbacks.Resolve(callback.Callback{Kind: callback.Feedback, InodeID: msg.InodeID}, true)
	case wire.KindRequestFs:
		err = r.onRequestFs(from)
	case wire.KindFsAnswer:
		err = errFsAnswerAtAirport
	case wire.KindEditHosts:
		err = r.onEditHosts(msg.InodeID, msg.Addresses)
	case wire.KindAddHosts:
		err = r.net.Tree.AddHosts(msg.InodeID, msg.Addresses)
	case wire.KindRemoveHosts:
		err = r.onRemoveHosts(msg.InodeID, msg.Addresses)
	case wire.KindEditMetadata:
		err = r.onEditMetadata(msg.InodeID, msg.Metadata, msg.Address)
	case wire.KindSetXAttr:
		err = r.net.Tree.SetXAttr(msg.InodeID, msg.XAttrKey, msg.Bytes)
	case wire.KindRemoveXAttr:
		err = r.net.Tree.RemoveXAttr(msg.InodeID, msg.XAttrKey)
	case wire.KindRegister:
		r.onRegister(from, msg.Address)
	case wire.KindDisconnect:
		err = r.net.DisconnectPeer(msg.Address)
	default:
		logger.Warningf("network: airport received unhandled message kind %s from %s", msg.Kind, from)
	}
	if err != nil {
		logger.Warningf("network: airport dispatch of %s from %s failed: %v", msg.Kind, from, err)
	}
}

var errFsAnswerAtAirport = fsAnswerAtAirportError{}

type fsAnswerAtAirportError struct{}

func (fsAnswerAtAirportError) Error() string {
	return "network: FsAnswer received outside the handshake"
}

// onInode applies an announced inode, promotes the ID counter past
// it, and materializes the entry on disk if this host is named.
func (r *Router) onInode(inode *arbo.Inode) error {
	if inode == nil {
		return nil
	}
	if err := r.net.Tree.AddInode(inode); err != nil {
		return err
	}
	r.net.PromoteNextInode(inode.ID + 1)

	path, err := r.net.Tree.PathFromID(inode.ID)
	if err != nil {
		return err
	}
	if inode.IsDir() {
		return ignoreExists(r.net.Disk.NewDir(path.String(), fs.FileMode(inode.Meta.Perm)))
	}
	for _, host := range inode.Entry.Hosts {
		if host == r.net.SelfAddr {
			return ignoreExists(r.net.Disk.NewFile(path.String(), fs.FileMode(inode.Meta.Perm)))
		}
	}
	return nil
}

func ignoreExists(err error) error {
	if errors.Is(err, diskmgr.ErrExist) {
		return nil
	}
	return err
}

func (r *Router) onRemove(id uint64) error {
	path, pathErr := r.net.Tree.PathFromID(id)
	inode, invErr := r.net.Tree.GetInode(id)
	if pathErr == nil && invErr == nil {
		if inode.IsDir() {
			_ = r.net.Disk.RemoveDir(path.String())
		} else {
			_ = r.net.Disk.RemoveFile(path.String())
		}
	}
	_, err := r.net.Tree.RemoveInode(id)
	return err
}

func (r *Router) onRename(msg wire.Message) error {
	if msg.Overwrite {
		if target, err := r.net.Tree.GetInodeChildByName(msg.NewParentID, msg.NewName); err == nil {
			_ = r.onRemove(target.ID)
		}
	}

	child, childErr := r.net.Tree.GetInodeChildByName(msg.ParentID, msg.Name)
	oldParentPath, oldParentErr := r.net.Tree.PathFromID(msg.ParentID)
	newParentPath, newParentErr := r.net.Tree.PathFromID(msg.NewParentID)
	if childErr == nil && oldParentErr == nil && newParentErr == nil {
		if _, statErr := r.net.Tree.GetInode(child.ID); statErr == nil {
			_ = r.net.Disk.MvFile(oldParentPath.Join(msg.Name).String(), newParentPath.Join(msg.NewName).String())
		}
	}
	return r.net.Tree.MvInode(msg.ParentID, msg.NewParentID, msg.Name, msg.NewName)
}

// materializeLocalFile creates id's backing file on the local mirror if
// it doesn't exist yet: a pod that was never a host has the inode in
// its arbo but nothing on disk until content actually arrives.
func (r *Router) materializeLocalFile(id uint64, relPath string) error {
	inode, err := r.net.Tree.GetInode(id)
	if err != nil {
		return err
	}
	return ignoreExists(r.net.Disk.NewFile(relPath, fs.FileMode(inode.Meta.Perm)))
}

func (r *Router) onPullAnswer(id uint64, data []byte) error {
	path, err := r.net.Tree.PathFromID(id)
	if err != nil {
		r.net.Callbacks.Resolve(callback.Callback{Kind: callback.Pull, InodeID: id}, false)
		return err
	}
	if err := r.materializeLocalFile(id, path.String()); err != nil {
		r.net.Callbacks.Resolve(callback.Callback{Kind: callback.Pull, InodeID: id}, false)
		return err
	}
	if err := r.net.Disk.SetFileSize(path.String(), int64(len(data))); err != nil {
		r.net.Callbacks.Resolve(callback.Callback{Kind: callback.Pull, InodeID: id}, false)
		return err
	}
	if _, err := r.net.Disk.WriteFile(path.String(), data, 0); err != nil {
		r.net.Callbacks.Resolve(callback.Callback{Kind: callback.Pull, InodeID: id}, false)
		return err
	}
	if err := r.net.AddInodeHosts(id, []string{r.net.SelfAddr}); err != nil {
		r.net.Callbacks.Resolve(callback.Callback{Kind: callback.Pull, InodeID: id}, false)
		return err
	}
	r.net.Callbacks.Resolve(callback.Callback{Kind: callback.Pull, InodeID: id}, true)
	return nil
}

// onRedundancyFile writes a replicated file locally on behalf of the
// sending peer's redundancy worker, then reports back to the sender so
// its job can complete.
func (r *Router) onRedundancyFile(from string, id uint64, data []byte) error {
	path, err := r.net.Tree.PathFromID(id)
	if err != nil {
		return err
	}
	if err := r.materializeLocalFile(id, path.String()); err != nil {
		return err
	}
	if err := r.net.Disk.SetFileSize(path.String(), int64(len(data))); err != nil {
		return err
	}
	if _, err := r.net.Disk.WriteFile(path.String(), data, 0); err != nil {
		return err
	}
	p, ok, err := r.net.Peers.Get(from)
	if err != nil || !ok {
		return err
	}
	// RequestPull doubles as the delivery acknowledgement back to the
	// job's originator: the wire protocol has no dedicated ack variant,
	// and RequestPull is otherwise unused by this router.
	p.Send(wire.RequestPull(id))
	return nil
}

func (r *Router) onRequestFile(id uint64, from string) error {
	path, err := r.net.Tree.PathFromID(id)
	if err != nil {
		return err
	}
	inode, err := r.net.Tree.GetInode(id)
	if err != nil {
		return err
	}
	buf := make([]byte, inode.Meta.Size)
	if _, err := r.net.Disk.ReadFile(path.String(), 0, buf); err != nil {
		return err
	}
	return r.net.SendFile(id, buf, from)
}

func (r *Router) onRequestFs(from string) error {
	return r.net.SendArbo(from, nil)
}

func (r *Router) onEditHosts(id uint64, hosts []string) error {
	keepsLocal := false
	for _, h := range hosts {
		if h == r.net.SelfAddr {
			keepsLocal = true
			break
		}
	}
	if err := r.net.Tree.SetHosts(id, hosts); err != nil {
		return err
	}
	if !keepsLocal {
		if path, err := r.net.Tree.PathFromID(id); err == nil {
			_ = r.net.Disk.RemoveFile(path.String())
		}
	}
	return nil
}

func (r *Router) onRemoveHosts(id uint64, hosts []string) error {
	removesLocal := false
	for _, h := range hosts {
		if h == r.net.SelfAddr {
			removesLocal = true
			break
		}
	}
	if err := r.net.Tree.RemoveHosts(id, hosts); err != nil {
		return err
	}
	if removesLocal {
		if path, err := r.net.Tree.PathFromID(id); err == nil {
			_ = r.net.Disk.RemoveFile(path.String())
		}
	}
	return nil
}

func (r *Router) onEditMetadata(id uint64, meta *arbo.Metadata, host string) error {
	if meta == nil {
		return nil
	}
	prior, err := r.net.Tree.GetInode(id)
	if err != nil {
		return err
	}
	if prior.IsFile() {
		if err := r.net.Tree.SetHosts(id, []string{host}); err != nil {
			return err
		}
	}
	if err := r.net.Tree.SetMeta(id, *meta); err != nil {
		return err
	}

	isLocalHost := host == r.net.SelfAddr
	if isLocalHost && meta.Size != prior.Meta.Size {
		if path, perr := r.net.Tree.PathFromID(id); perr == nil {
			_ = r.net.Disk.SetFileSize(path.String(), int64(meta.Size))
		}
	}
	if isLocalHost && meta.Perm != prior.Meta.Perm {
		if path, perr := r.net.Tree.PathFromID(id); perr == nil {
			_ = r.net.Disk.SetPermissions(path.String(), fs.FileMode(meta.Perm))
		}
	}
	return nil
}

// onRegister attaches the sender's self-reported address to its
// already-accepted connection record.
func (r *Router) onRegister(from, addr string) {
	p, ok, err := r.net.Peers.Get(from)
	if err != nil || !ok {
		return
	}
	p.SetHostname(addr)
}
