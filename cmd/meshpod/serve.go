package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meshpod/meshpod/internal/service"
)

// pidFilePath lives next to, not inside, the mount point: once
// internal/service mounts FUSE over mountPoint, anything written
// inside it before the mount is shadowed by the mounted tree.
func pidFilePath(mountPoint string) string {
	return filepath.Clean(mountPoint) + ".pid"
}

var serveCmd = &cobra.Command{
	Use:   "serve mount-point",
	Short: "Create a fresh pod network at mount-point and serve it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := prepareConfig(args[0]); err != nil {
			return err
		}
		return runUntilStopped(cmd.Context())
	},
}

var joinCmd = &cobra.Command{
	Use:   "join mount-point peer-address [peer-address...]",
	Short: "Join an existing pod network through one or more known peers",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := prepareConfig(args[0]); err != nil {
			return err
		}
		config.Local.KnownPeers = append(config.Local.KnownPeers, args[1:]...)
		return runUntilStopped(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop mount-point",
	Short: "Signal a running meshpod serving mount-point to shut down",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mountPoint, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("canonicalizing mount point: %w", err)
		}
		return signalStop(mountPoint)
	},
}

// runUntilStopped writes a pid file so a later `meshpod stop` can find
// this process, then blocks in internal/service.Run until signaled.
func runUntilStopped(ctx context.Context) error {
	if err := writePIDFile(config.Local.MountPoint); err != nil {
		return err
	}
	defer removePIDFile(config.Local.MountPoint)

	return service.Run(ctx, service.Options{
		Config:      config,
		MetricsAddr: metricsAddr,
	})
}

func writePIDFile(mountPoint string) error {
	return os.WriteFile(pidFilePath(mountPoint), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(mountPoint string) {
	_ = os.Remove(pidFilePath(mountPoint))
}

// signalStop reads the pid file written by a running `serve`/`join`
// process for mountPoint and sends it SIGTERM, the same signal
// internal/service.Daemon already listens for to run its evacuation
// shutdown sequence.
func signalStop(mountPoint string) error {
	raw, err := os.ReadFile(pidFilePath(mountPoint))
	if err != nil {
		return fmt.Errorf("reading pid file for %s: %w", mountPoint, err)
	}
	pid, err := strconv.Atoi(string(raw))
	if err != nil {
		return fmt.Errorf("parsing pid file for %s: %w", mountPoint, err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	return proc.Signal(syscall.SIGTERM)
}
