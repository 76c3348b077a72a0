package cfg

import "time"

// Reserved inode IDs, named here because cfg is the package that knows
// which files are config files; internal/arbo imports these constants.
const (
	RootInodeID             = uint64(1)
	GlobalConfigInodeID     = uint64(2)
	LocalConfigInodeID      = uint64(3)
	ArboSnapshotInodeID     = uint64(4)
	FirstFreeInodeID        = uint64(11)
	GlobalConfigFileName    = ".global_config.toml"
	LocalConfigFileName     = ".local_config.toml"
	ArboSnapshotFileName    = ".arbo"
	DefaultRedundancyFactor = 2
	DefaultLockWait         = 5 * time.Second
)

// DefaultGlobalConfig returns the config a pod seeds a brand new network
// with, before any peer has joined.
func DefaultGlobalConfig(networkName string) GlobalConfig {
	return GlobalConfig{
		NetworkName:      networkName,
		RedundancyFactor: DefaultRedundancyFactor,
		FileMode:         0644,
		DirMode:          0755,
	}
}

// DefaultLocalConfig returns the config a pod seeds for itself, before
// any peer is known.
func DefaultLocalConfig(hostname, bindURL, mountPoint string) LocalConfig {
	return LocalConfig{
		Hostname:   hostname,
		BindURL:    bindURL,
		MountPoint: mountPoint,
		KnownPeers: nil,
		LockWait:   DefaultLockWait,
	}
}
