// Package service is the daemon supervisor: it owns the process-level
// concerns the core packages leave out (listening socket lifecycle, OS
// signal handling, mounting the OS driver) and assembles exactly one
// internal/pod.Pod per invocation, turning a validated cfg.Config into
// one running mount plus its teardown path.
package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meshpod/meshpod/cfg"
	"github.com/meshpod/meshpod/internal/clock"
	"github.com/meshpod/meshpod/internal/diskmgr"
	"github.com/meshpod/meshpod/internal/diskmgr/osdisk"
	"github.com/meshpod/meshpod/internal/logger"
	"github.com/meshpod/meshpod/internal/metrics"
	"github.com/meshpod/meshpod/internal/pod"
)

// Options carries the process-level knobs cmd/meshpod collects from
// flags/config before handing off to Daemon, on top of the cfg.Config
// the core pod.New itself needs translated into pod.Config.
type Options struct {
	Config cfg.Config

	// MetricsAddr, if non-empty, serves Prometheus metrics at that
	// address ("host:port") for the lifetime of the daemon.
	MetricsAddr string
}

// Daemon owns one running Pod, its listening socket, and (on linux) its
// FUSE mount, translating process signals into an orderly Pod.Stop.
type Daemon struct {
	pod *pod.Pod
	fs  *mountedFS

	metricsServer *http.Server
}

// Run builds and runs a Pod from opts until ctx is canceled or the
// process receives SIGINT/SIGTERM, then performs the evacuation
// shutdown sequence before returning.
func Run(ctx context.Context, opts Options) error {
	if err := opts.Config.Validate(); err != nil {
		return fmt.Errorf("service: invalid configuration: %w", err)
	}

	if err := os.MkdirAll(opts.Config.Local.MountPoint, 0o755); err != nil {
		return fmt.Errorf("service: preparing mount point: %w", err)
	}
	disk := osdisk.New(opts.Config.Local.MountPoint)

	listener, err := net.Listen("tcp", opts.Config.Local.BindURL)
	if err != nil {
		return fmt.Errorf("service: listening on %s: %w", opts.Config.Local.BindURL, err)
	}

	var reg *metrics.Registry
	var metricsSrv *http.Server
	if opts.MetricsAddr != "" {
		reg = metrics.New(opts.Config.Global.NetworkName)
		metricsSrv = &http.Server{Addr: opts.MetricsAddr, Handler: reg.Handler()}
		go func() {
			if serveErr := metricsSrv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				logger.Warningf("service: metrics server stopped: %v", serveErr)
			}
		}()
	}

	podCfg := pod.Config{
		Name:             opts.Config.Global.NetworkName,
		SelfHostname:     opts.Config.Local.Hostname,
		SelfAddr:         opts.Config.Local.BindURL,
		KnownPeers:       opts.Config.Local.KnownPeers,
		RedundancyFactor: orDefault(opts.Config.Global.RedundancyFactor, cfg.DefaultRedundancyFactor),
		LockTimeout:      orDefaultDuration(opts.Config.Local.LockWait, cfg.DefaultLockWait),
		DialTimeout:      10 * time.Second,
		Metrics:          reg,
	}

	p, err := pod.New(podCfg, disk, disk, clock.Real{}, listener)
	if err != nil {
		listener.Close()
		return fmt.Errorf("service: assembling pod: %w", err)
	}

	mounted, err := mountFS(opts.Config.Local.MountPoint, p.FS)
	if err != nil {
		listener.Close()
		return fmt.Errorf("service: mounting filesystem: %w", err)
	}

	d := &Daemon{pod: p, fs: mounted, metricsServer: metricsSrv}
	return d.runUntilSignal(ctx)
}

func (d *Daemon) runUntilSignal(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- d.pod.Run(sigCtx) }()

	<-sigCtx.Done()
	logger.Infof("service: shutdown signal received, evacuating and stopping")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.pod.Stop(stopCtx); err != nil {
		logger.Warningf("service: pod stop reported error: %v", err)
	}

	if err := d.fs.unmount(); err != nil {
		logger.Warningf("service: unmount reported error: %v", err)
	}

	if d.metricsServer != nil {
		_ = d.metricsServer.Close()
	}

	return <-runErr
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

var _ diskmgr.Interface = (*osdisk.Disk)(nil)
