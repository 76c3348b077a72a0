// Package main is the meshpod CLI: a cobra command tree that binds
// flags and an optional TOML config file into a cfg.Config and hands
// it to internal/service.Run. The serve/join/stop split covers the two
// startup modes (create a network vs. join one) plus remote shutdown.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meshpod/meshpod/cfg"
)

var (
	cfgFile       string
	metricsAddr   string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	config        cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "meshpod",
	Short: "Join or create a peer-to-peer synchronized pod network",
	Long: `meshpod mounts a directory backed by a pod network: a set of hosts
that mirror one shared directory tree among themselves, replicating each
file to a configurable number of peers and serving it over FUSE.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a TOML config file.")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "If set, serve Prometheus metrics on this address.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(serveCmd, joinCmd, stopCmd)
}

func initConfig() {
	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&config)
		return
	}

	resolved, err := filepath.Abs(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(resolved)
	viper.SetConfigType("toml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&config)
}

// prepareConfig validates accumulated bind/load errors and fills in
// config defaults the way cfg.DefaultLocalConfig/DefaultGlobalConfig
// do for a brand new pod, resolving mountPoint to an absolute path.
func prepareConfig(mountPoint string) error {
	if bindErr != nil {
		return bindErr
	}
	if configFileErr != nil {
		return configFileErr
	}
	if unmarshalErr != nil {
		return unmarshalErr
	}

	abs, err := filepath.Abs(mountPoint)
	if err != nil {
		return fmt.Errorf("canonicalizing mount point: %w", err)
	}
	config.Local.MountPoint = abs

	if config.Local.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("determining hostname: %w", err)
		}
		config.Local.Hostname = hostname
	}
	if config.Global.NetworkName == "" {
		config.Global.NetworkName = "default"
	}
	if config.Local.LockWait <= 0 {
		config.Local.LockWait = cfg.DefaultLockWait
	}
	if config.Global.RedundancyFactor <= 0 {
		config.Global.RedundancyFactor = cfg.DefaultRedundancyFactor
	}
	return nil
}
