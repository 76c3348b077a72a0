package arbo

import "github.com/meshpod/meshpod/cfg"

// Reserved inode IDs: fixed regardless of allocation order so every pod
// agrees on where the config and snapshot files live.
const (
	RootID         = cfg.RootInodeID
	GlobalConfigID = cfg.GlobalConfigInodeID
	LocalConfigID  = cfg.LocalConfigInodeID
	ArboSnapshotID = cfg.ArboSnapshotInodeID
	FirstFreeID    = cfg.FirstFreeInodeID
)

// Reserved file names, re-exported so callers holding a *Tree never
// need to import cfg just to name a special file.
const (
	GlobalConfigName = cfg.GlobalConfigFileName
	LocalConfigName  = cfg.LocalConfigFileName
	ArboSnapshotName = cfg.ArboSnapshotFileName
)

var reservedNames = map[uint64]string{
	GlobalConfigID: cfg.GlobalConfigFileName,
	LocalConfigID:  cfg.LocalConfigFileName,
	ArboSnapshotID: cfg.ArboSnapshotFileName,
}

// ReservedIDForName returns the reserved inode ID for name if it names
// one of the reserved files directly under ROOT, and ok=false otherwise.
func ReservedIDForName(parent uint64, name string) (id uint64, ok bool) {
	if parent != RootID {
		return 0, false
	}
	for rid, rname := range reservedNames {
		if rname == name {
			return rid, true
		}
	}
	return 0, false
}

// IsReservedID reports whether id is one of the fixed special IDs.
func IsReservedID(id uint64) bool {
	_, ok := reservedNames[id]
	return ok || id == RootID
}

// IsLocalOnly reports whether id must never be broadcast to peers
// (only the local config file, ID 3).
func IsLocalOnly(id uint64) bool {
	return id == LocalConfigID
}
