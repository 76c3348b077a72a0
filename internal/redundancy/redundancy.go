// Package redundancy implements the single long-running task that
// replicates a file to additional peers and tracks delivery: one
// goroutine draining a job channel, dispatching each job's side effects
// through a narrow interface.
package redundancy

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/meshpod/meshpod/internal/logger"
	"github.com/meshpod/meshpod/internal/metrics"
)

// Kind tags a redundancy job message.
type Kind int

const (
	KindApplyTo Kind = iota
	KindReceivedBy
)

// Message is one entry on the redundancy worker's inbound channel.
type Message struct {
	Kind Kind

	// ApplyTo
	InodeID uint64

	// ReceivedBy
	From  string
	JobID uint64
}

// ApplyTo builds an ApplyTo(id) message.
func ApplyTo(id uint64) Message { return Message{Kind: KindApplyTo, InodeID: id} }

// ReceivedBy builds a ReceivedBy(id, addr, job_id) message.
func ReceivedBy(id uint64, from string, jobID uint64) Message {
	return Message{Kind: KindReceivedBy, InodeID: id, From: from, JobID: jobID}
}

// Sender is the narrow slice of the network interface the redundancy
// worker needs, kept as an interface here (rather than importing
// internal/network directly) so network can depend on redundancy's
// Message type without creating an import cycle.
type Sender interface {
	// SendFileRedundancy reads id's bytes locally and unicasts a
	// RedundancyFile message to target, expecting the remote side to
	// eventually emit a ReceivedBy message back through the worker's
	// channel once it has durably written the file.
	SendFileRedundancy(id uint64, target string) error
	// PickTargets returns up to n peer addresses to replicate id to,
	// excluding the local address.
	PickTargets(n int) ([]string, error)
	// ApplyHosts sets id's arbo host set to hosts and broadcasts
	// EditHosts, completing a successful redundancy job.
	ApplyHosts(id uint64, hosts []string) error
}

type job struct {
	jobID uint64
	order []string
	done  map[string]bool
}

// Worker consumes Messages and drives replication.
type Worker struct {
	sender           Sender
	redundancyFactor int
	limiter          *rate.Limiter
	metrics          *metrics.Registry

	mu        sync.Mutex
	nextJobID uint64
	jobs      map[uint64]*job // by inode ID
}

// Option configures a Worker at construction time.
type Option func(*Worker)

// WithRateLimit caps outbound SendFileRedundancy dispatches at r per
// second with burst b, so a flurry of newly-written files can't flood
// every peer with replication traffic at once.
func WithRateLimit(r rate.Limit, b int) Option {
	return func(w *Worker) { w.limiter = rate.NewLimiter(r, b) }
}

// WithMetrics instruments job starts/completions on reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(w *Worker) { w.metrics = reg }
}

// NewWorker builds a Worker that replicates to redundancyFactor peers
// per ApplyTo. With no options, sends are unthrottled.
func NewWorker(sender Sender, redundancyFactor int, opts ...Option) *Worker {
	w := &Worker{sender: sender, redundancyFactor: redundancyFactor, jobs: make(map[uint64]*job)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run drains in until it is closed, processing one Message at a time.
func (w *Worker) Run(in <-chan Message) {
	for msg := range in {
		switch msg.Kind {
		case KindApplyTo:
			w.applyTo(msg.InodeID)
		case KindReceivedBy:
			w.receivedBy(msg.InodeID, msg.From, msg.JobID)
		}
	}
}

// applyTo opens a replication job for id. The local replica counts
// toward the redundancy factor, so only factor-1 extra peers are
// targeted.
func (w *Worker) applyTo(id uint64) {
	want := w.redundancyFactor - 1
	if want < 1 {
		return
	}
	targets, err := w.sender.PickTargets(want)
	if err != nil {
		logger.Warningf("redundancy: could not pick targets for inode %d: %v", id, err)
		return
	}
	if len(targets) < want {
		logger.Warningf("redundancy: only %d/%d peers available for inode %d", len(targets), want, id)
	}
	if len(targets) == 0 {
		return
	}

	w.mu.Lock()
	w.nextJobID++
	jobID := w.nextJobID
	pending := make(map[string]bool, len(targets))
	for _, t := range targets {
		pending[t] = false
	}
	w.jobs[id] = &job{jobID: jobID, order: targets, done: pending}
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.RedundancyJobsStarted.Inc()
	}

	for _, target := range targets {
		if w.limiter != nil {
			if err := w.limiter.Wait(context.Background()); err != nil {
				logger.Warningf("redundancy: rate limiter wait for inode %d failed: %v", id, err)
				continue
			}
		}
		if err := w.sender.SendFileRedundancy(id, target); err != nil {
			logger.Warningf("redundancy: send to %s for inode %d failed: %v", target, id, err)
		}
	}
}

// receivedBy marks from as done for id's current job. jobID is matched
// when non-zero; wire-triggered acknowledgements (see
// network.Router.onRedundancyFile) carry no job ID of their own, since
// RequestPull predates the redundancy worker's job bookkeeping, so they
// pass 0 and are matched solely by from's presence in the job's target
// set instead.
func (w *Worker) receivedBy(id uint64, from string, jobID uint64) {
	w.mu.Lock()
	j, ok := w.jobs[id]
	if !ok {
		w.mu.Unlock()
		logger.Warningf("redundancy: ReceivedBy for inode %d with no active job", id)
		return
	}
	if _, targeted := j.done[from]; !targeted {
		w.mu.Unlock()
		logger.Warningf("redundancy: ReceivedBy for inode %d from untargeted peer %s", id, from)
		return
	}
	if jobID != 0 && j.jobID != jobID {
		w.mu.Unlock()
		logger.Warningf("redundancy: stale ReceivedBy for inode %d (job %d)", id, jobID)
		return
	}
	j.done[from] = true

	allDone := true
	for _, done := range j.done {
		if !done {
			allDone = false
			break
		}
	}
	var finishedTargets []string
	if allDone {
		finishedTargets = j.order
		delete(w.jobs, id)
	}
	w.mu.Unlock()

	if allDone {
		if err := w.sender.ApplyHosts(id, finishedTargets); err != nil {
			logger.Warningf("redundancy: apply hosts for inode %d failed: %v", id, err)
		} else if w.metrics != nil {
			w.metrics.RedundancyJobsComplete.Inc()
		}
	}
}
