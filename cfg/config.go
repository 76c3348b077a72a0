// Package cfg defines the pod's on-disk configuration shape: the network-
// wide global config (broadcast as inode 2, ".global_config.toml") and the
// per-host local config (never broadcast, inode 3, ".local_config.toml").
// Loading goes through spf13/viper with the TOML codec, bound to pflag so
// the CLI bridge (cmd/meshpod) can override individual keys.
package cfg

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// GlobalConfig is shared network-wide: every pod that joins adopts the
// acceptor's copy during the handshake. It lives at the reserved
// inode ID 2 and is broadcast like any other file.
type GlobalConfig struct {
	NetworkName      string `toml:"network-name" mapstructure:"network-name"`
	RedundancyFactor int    `toml:"redundancy-factor" mapstructure:"redundancy-factor"`
	FileMode         Octal  `toml:"file-mode" mapstructure:"file-mode"`
	DirMode          Octal  `toml:"dir-mode" mapstructure:"dir-mode"`
}

// LocalConfig is host-specific and never broadcast: it lives at the
// reserved inode ID 3 and only ever exists on the local mirror.
type LocalConfig struct {
	Hostname   string        `toml:"hostname" mapstructure:"hostname"`
	BindURL    string        `toml:"bind-url" mapstructure:"bind-url"`
	KnownPeers []string      `toml:"known-peers" mapstructure:"known-peers"`
	MountPoint string        `toml:"mount-point" mapstructure:"mount-point"`
	LockWait   time.Duration `toml:"lock-wait" mapstructure:"lock-wait"`
}

// Octal is a permission mode held as a plain integer. It has no custom
// encoding, so TOML stores and reads it as a decimal integer.
type Octal int

// Config is the union consumed by cmd/meshpod: a LocalConfig plus the
// GlobalConfig seed used only the first time a pod starts a fresh
// network (later pods adopt whatever the handshake hands them).
type Config struct {
	Local  LocalConfig  `mapstructure:",squash"`
	Global GlobalConfig `mapstructure:",squash"`
}

// BindFlags registers the subset of Config fields that make sense as CLI
// overrides and binds them into viper.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.StringP("hostname", "", "", "Hostname this pod advertises to peers.")
	if err := viper.BindPFlag("hostname", flagSet.Lookup("hostname")); err != nil {
		return err
	}

	flagSet.StringP("bind-url", "", "", "Address this pod listens for peer connections on.")
	if err := viper.BindPFlag("bind-url", flagSet.Lookup("bind-url")); err != nil {
		return err
	}

	flagSet.StringSliceP("known-peers", "", nil, "Addresses of peers to contact when joining.")
	if err := viper.BindPFlag("known-peers", flagSet.Lookup("known-peers")); err != nil {
		return err
	}

	flagSet.StringP("mount-point", "", "", "Local directory the pod's tree is mounted at.")
	if err := viper.BindPFlag("mount-point", flagSet.Lookup("mount-point")); err != nil {
		return err
	}

	flagSet.StringP("network-name", "", "default", "Name of the network this pod joins or creates.")
	if err := viper.BindPFlag("network-name", flagSet.Lookup("network-name")); err != nil {
		return err
	}

	flagSet.IntP("redundancy-factor", "", DefaultRedundancyFactor, "Number of hosts each file should be replicated to.")
	if err := viper.BindPFlag("redundancy-factor", flagSet.Lookup("redundancy-factor")); err != nil {
		return err
	}

	return nil
}
