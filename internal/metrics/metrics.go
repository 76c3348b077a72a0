// Package metrics exposes a small set of Prometheus counters and gauges:
// inodes registered, bytes replicated, redundancy jobs completed, and
// peers connected, served from a per-pod registry over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every counter/gauge this pod reports, wrapped around a
// private prometheus.Registry so multiple pods in the same process
// never collide on metric registration.
type Registry struct {
	reg *prometheus.Registry

	InodesRegistered       prometheus.Counter
	InodesRemoved          prometheus.Counter
	BytesReplicated        prometheus.Counter
	RedundancyJobsStarted  prometheus.Counter
	RedundancyJobsComplete prometheus.Counter
	PeersConnected         prometheus.Gauge
	HandshakeRefusals      prometheus.Counter
}

// New builds a Registry whose metric names are prefixed "meshpod_" and
// labeled with the owning pod's name, so a daemon hosting several pods
// can still tell their series apart on one shared /metrics endpoint.
func New(podName string) *Registry {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"pod": podName}

	r := &Registry{
		reg: reg,
		InodesRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meshpod_inodes_registered_total",
			Help:        "Inodes added to the arbo, locally or via an inbound Inode message.",
			ConstLabels: constLabels,
		}),
		InodesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meshpod_inodes_removed_total",
			Help:        "Inodes removed from the arbo, locally or via an inbound Remove message.",
			ConstLabels: constLabels,
		}),
		BytesReplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meshpod_bytes_replicated_total",
			Help:        "Bytes sent as RedundancyFile payloads by the redundancy worker.",
			ConstLabels: constLabels,
		}),
		RedundancyJobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meshpod_redundancy_jobs_started_total",
			Help:        "ApplyTo jobs opened by the redundancy worker.",
			ConstLabels: constLabels,
		}),
		RedundancyJobsComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meshpod_redundancy_jobs_completed_total",
			Help:        "Redundancy jobs whose target set all confirmed receipt.",
			ConstLabels: constLabels,
		}),
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "meshpod_peers_connected",
			Help:        "Peers currently connected to this pod.",
			ConstLabels: constLabels,
		}),
		HandshakeRefusals: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meshpod_handshake_refusals_total",
			Help:        "Connect attempts this pod refused (version mismatch, etc).",
			ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(
		r.InodesRegistered, r.InodesRemoved, r.BytesReplicated,
		r.RedundancyJobsStarted, r.RedundancyJobsComplete,
		r.PeersConnected, r.HandshakeRefusals,
	)
	return r
}

// Handler returns the HTTP handler serving this registry's metrics in
// the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
