// Package wire defines the on-the-wire message sum types exchanged
// between pods, and the length-delimited framing used to carry them.
package wire

import "github.com/meshpod/meshpod/internal/arbo"

// Kind tags a Message's variant. Go has no native tagged union, so
// every Message carries a Kind plus only the fields that variant uses.
type Kind int

const (
	KindRegister Kind = iota
	KindRemove
	KindInode
	KindRequestFile
	KindPullAnswer
	KindRedundancyFile
	KindRename
	KindEditHosts
	KindAddHosts
	KindRemoveHosts
	KindEditMetadata
	KindSetXAttr
	KindRemoveXAttr
	KindRequestFs
	KindRequestPull
	KindFsAnswer
	KindDisconnect
)

func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "Register"
	case KindRemove:
		return "Remove"
	case KindInode:
		return "Inode"
	case KindRequestFile:
		return "RequestFile"
	case KindPullAnswer:
		return "PullAnswer"
	case KindRedundancyFile:
		return "RedundancyFile"
	case KindRename:
		return "Rename"
	case KindEditHosts:
		return "EditHosts"
	case KindAddHosts:
		return "AddHosts"
	case KindRemoveHosts:
		return "RemoveHosts"
	case KindEditMetadata:
		return "EditMetadata"
	case KindSetXAttr:
		return "SetXAttr"
	case KindRemoveXAttr:
		return "RemoveXAttr"
	case KindRequestFs:
		return "RequestFs"
	case KindRequestPull:
		return "RequestPull"
	case KindFsAnswer:
		return "FsAnswer"
	case KindDisconnect:
		return "Disconnect"
	default:
		return "Unknown"
	}
}

// InodeID matches arbo's inode identifier type, named here so callers
// of this package never need to import arbo just for the ID type.
type InodeID = uint64

// FileSystemSerialized is the wire/disk form of an arbo snapshot: a
// flat inode map plus the next-inode counter, so a receiving pod can
// both adopt the tree and keep allocating fresh IDs above it.
type FileSystemSerialized struct {
	FSIndex   map[InodeID]*arbo.Inode `json:"fs_index"`
	NextInode InodeID                 `json:"next_inode"`
}

// Message is one length-delimited frame: a Kind plus whichever fields
// that Kind uses. Keeping one flat struct rather than N separate Go
// types keeps the JSON codec trivial.
type Message struct {
	Kind Kind `json:"kind"`

	Address   string   `json:"address,omitempty"`
	Addresses []string `json:"addresses,omitempty"`

	InodeID     InodeID     `json:"inode_id,omitempty"`
	Inode       *arbo.Inode `json:"inode,omitempty"`
	ParentID    InodeID     `json:"parent_id,omitempty"`
	NewParentID InodeID     `json:"new_parent_id,omitempty"`
	Name        string      `json:"name,omitempty"`
	NewName     string      `json:"new_name,omitempty"`
	Overwrite   bool        `json:"overwrite,omitempty"`

	Metadata *arbo.Metadata `json:"metadata,omitempty"`

	Bytes []byte `json:"bytes,omitempty"`

	XAttrKey string `json:"xattr_key,omitempty"`

	FS     *FileSystemSerialized `json:"fs,omitempty"`
	Config []byte                `json:"config,omitempty"`
}

// Register builds a Register(Address) message.
func Register(addr string) Message { return Message{Kind: KindRegister, Address: addr} }

// Remove builds a Remove(InodeId) message.
func Remove(id InodeID) Message { return Message{Kind: KindRemove, InodeID: id} }

// InodeMsg builds an Inode(Inode) message.
func InodeMsg(inode *arbo.Inode) Message { return Message{Kind: KindInode, Inode: inode} }

// RequestFile builds a RequestFile(InodeId, Address) message.
func RequestFile(id InodeID, from string) Message {
	return Message{Kind: KindRequestFile, InodeID: id, Address: from}
}

// PullAnswer builds a PullAnswer(InodeId, Bytes) message.
func PullAnswer(id InodeID, data []byte) Message {
	return Message{Kind: KindPullAnswer, InodeID: id, Bytes: data}
}

// RedundancyFile builds a RedundancyFile(InodeId, Bytes) message.
func RedundancyFile(id InodeID, data []byte) Message {
	return Message{Kind: KindRedundancyFile, InodeID: id, Bytes: data}
}

// Rename builds a Rename(parent, new_parent, name, new_name, overwrite) message.
func Rename(parent, newParent InodeID, name, newName string, overwrite bool) Message {
	return Message{
		Kind: KindRename, ParentID: parent, NewParentID: newParent,
		Name: name, NewName: newName, Overwrite: overwrite,
	}
}

// EditHosts builds an EditHosts(InodeId, []Address) message.
func EditHosts(id InodeID, hosts []string) Message {
	return Message{Kind: KindEditHosts, InodeID: id, Addresses: hosts}
}

// AddHosts builds an AddHosts(InodeId, []Address) message.
func AddHosts(id InodeID, hosts []string) Message {
	return Message{Kind: KindAddHosts, InodeID: id, Addresses: hosts}
}

// RemoveHosts builds a RemoveHosts(InodeId, []Address) message.
func RemoveHosts(id InodeID, hosts []string) Message {
	return Message{Kind: KindRemoveHosts, InodeID: id, Addresses: hosts}
}

// EditMetadata builds an EditMetadata(InodeId, Metadata, Address) message.
func EditMetadata(id InodeID, meta arbo.Metadata, host string) Message {
	return Message{Kind: KindEditMetadata, InodeID: id, Metadata: &meta, Address: host}
}

// SetXAttr builds a SetXAttr(InodeId, String, Bytes) message.
func SetXAttr(id InodeID, key string, value []byte) Message {
	return Message{Kind: KindSetXAttr, InodeID: id, XAttrKey: key, Bytes: value}
}

// RemoveXAttr builds a RemoveXAttr(InodeId, String) message.
func RemoveXAttr(id InodeID, key string) Message {
	return Message{Kind: KindRemoveXAttr, InodeID: id, XAttrKey: key}
}

// RequestFs builds a RequestFs message.
func RequestFs() Message { return Message{Kind: KindRequestFs} }

// RequestPull builds a RequestPull(InodeId) message.
func RequestPull(id InodeID) Message { return Message{Kind: KindRequestPull, InodeID: id} }

// FsAnswer builds an FsAnswer(FileSystemSerialized, []Address, Bytes) message.
func FsAnswer(fs FileSystemSerialized, peers []string, config []byte) Message {
	return Message{Kind: KindFsAnswer, FS: &fs, Addresses: peers, Config: config}
}

// Disconnect builds a Disconnect(Address) message.
func Disconnect(addr string) Message { return Message{Kind: KindDisconnect, Address: addr} }
