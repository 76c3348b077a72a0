package pod

import (
	"io/fs"
	"path"
	"sort"

	"github.com/meshpod/meshpod/internal/arbo"
	"github.com/meshpod/meshpod/internal/clock"
)

// Indexer lists a mirror directory's existing entries. It is the
// narrow capability internal/pod needs from a diskmgr.Interface
// implementation, defined here rather than imported from
// internal/diskmgr so this package never needs a concrete disk type —
// both osdisk.Disk and memdisk.Disk implement it structurally.
type Indexer interface {
	Walk(fn func(relPath string, isDir bool, perm fs.FileMode, size int64) error) error
}

type indexedEntry struct {
	relPath string
	isDir   bool
	perm    fs.FileMode
	size    int64
}

// IndexMountPoint walks disk's pre-existing contents and inserts one
// arbo Inode per entry, assigning IDs sequentially from
// arbo.FirstFreeID and reserving the fixed IDs for any config/snapshot
// file already sitting in the mount point. selfAddr seeds the host set
// of every indexed file, since no peer has vouched for a copy of it
// yet. It returns the next free ID above every assigned one.
func IndexMountPoint(tree *arbo.Tree, disk Indexer, selfAddr string, clk clock.Clock) (nextID uint64, err error) {
	var entries []indexedEntry
	if walkErr := disk.Walk(func(relPath string, isDir bool, perm fs.FileMode, size int64) error {
		entries = append(entries, indexedEntry{relPath: relPath, isDir: isDir, perm: perm, size: size})
		return nil
	}); walkErr != nil {
		return 0, walkErr
	}

	// Parent-before-child is required for the lookup below; Walk
	// already visits in that order, but sorting lexically on top makes
	// the resulting ID assignment deterministic regardless of the
	// underlying filesystem's directory-entry ordering.
	sort.Slice(entries, func(i, j int) bool { return entries[i].relPath < entries[j].relPath })

	ids := map[string]uint64{"": arbo.RootID}
	next := arbo.FirstFreeID
	now := clk.Now()

	for _, e := range entries {
		parentRel := path.Dir(e.relPath)
		if parentRel == "." {
			parentRel = ""
		}
		parentID, ok := ids[parentRel]
		if !ok {
			continue
		}
		name := path.Base(e.relPath)

		id, reserved := arbo.ReservedIDForName(parentID, name)
		if !reserved {
			id = next
			next++
		}

		kind := arbo.FileType
		entry := arbo.NewFileEntry(selfAddr)
		if e.isDir {
			kind = arbo.DirectoryType
			entry = arbo.NewDirEntry()
		}

		inode := &arbo.Inode{
			ID: id, Parent: parentID, Name: name, Entry: entry,
			Meta: arbo.Metadata{
				Kind: kind, Perm: uint16(e.perm), Size: uint64(e.size),
				Atime: now, Mtime: now, Ctime: now, Crtime: now,
			},
		}
		if err := tree.AddInode(inode); err != nil {
			return 0, err
		}
		ids[e.relPath] = id
	}

	if next < arbo.FirstFreeID {
		next = arbo.FirstFreeID
	}
	return next, nil
}
