package redundancy

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeSender struct {
	mu      sync.Mutex
	targets []string
	sent    map[uint64][]string
	applied map[uint64][]string
	sendErr error
}

func newFakeSender(targets ...string) *fakeSender {
	return &fakeSender{targets: targets, sent: make(map[uint64][]string), applied: make(map[uint64][]string)}
}

func (f *fakeSender) PickTargets(n int) ([]string, error) {
	if n > len(f.targets) {
		n = len(f.targets)
	}
	return append([]string(nil), f.targets[:n]...), nil
}

func (f *fakeSender) SendFileRedundancy(id uint64, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[id] = append(f.sent[id], target)
	return f.sendErr
}

func (f *fakeSender) ApplyHosts(id uint64, hosts []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sorted := append([]string(nil), hosts...)
	sort.Strings(sorted)
	f.applied[id] = sorted
	return nil
}

// The local replica counts toward the factor, so a factor of 3 targets
// two extra peers.
func TestApplyToSendsToPickedTargets(t *testing.T) {
	sender := newFakeSender("peer-a", "peer-b", "peer-c")
	w := NewWorker(sender, 3)

	in := make(chan Message, 4)
	done := make(chan struct{})
	go func() { w.Run(in); close(done) }()

	in <- ApplyTo(11)
	close(in)
	<-done

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.ElementsMatch(t, []string{"peer-a", "peer-b"}, sender.sent[11])
}

func TestReceivedByCompletesJobWhenAllTargetsDone(t *testing.T) {
	sender := newFakeSender("peer-a", "peer-b")
	w := NewWorker(sender, 3)

	in := make(chan Message, 8)
	done := make(chan struct{})
	go func() { w.Run(in); close(done) }()

	in <- ApplyTo(11)

	// Drain until targets are recorded so we know the job ID to use.
	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.sent[11]) == 2
	}, time.Second, time.Millisecond)

	in <- ReceivedBy(11, "peer-a", 1)
	in <- ReceivedBy(11, "peer-b", 1)
	close(in)
	<-done

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, []string{"peer-a", "peer-b"}, sender.applied[11])
}

func TestWithRateLimitThrottlesDispatch(t *testing.T) {
	sender := newFakeSender("peer-a", "peer-b", "peer-c")
	w := NewWorker(sender, 4, WithRateLimit(rate.Limit(100), 1))

	in := make(chan Message, 4)
	done := make(chan struct{})
	start := time.Now()
	go func() { w.Run(in); close(done) }()

	in <- ApplyTo(11)
	close(in)
	<-done

	// Burst of 1 at 100/s means the 2nd and 3rd sends each wait ~10ms,
	// so three targets can't all be dispatched instantaneously.
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.ElementsMatch(t, []string{"peer-a", "peer-b", "peer-c"}, sender.sent[11])
}

func TestReceivedByWithStaleJobIDIsIgnored(t *testing.T) {
	sender := newFakeSender("peer-a")
	w := NewWorker(sender, 2)

	in := make(chan Message, 4)
	done := make(chan struct{})
	go func() { w.Run(in); close(done) }()

	in <- ApplyTo(11)
	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.sent[11]) == 1
	}, time.Second, time.Millisecond)

	in <- ReceivedBy(11, "peer-a", 999)
	close(in)
	<-done

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Nil(t, sender.applied[11])
}
