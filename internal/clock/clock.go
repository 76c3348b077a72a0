// Package clock provides a mockable wall-clock source so that Metadata
// timestamps can be tested deterministically.
package clock

import (
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
)

// Clock is anything that can report the current time. Aliasing
// timeutil's interface keeps every call site compatible with its
// SimulatedClock as well as the two implementations here.
type Clock = timeutil.Clock

// Real is a Clock backed by the system wall clock.
type Real struct{}

// Now returns the current wall-clock time.
func (Real) Now() time.Time { return timeutil.RealClock().Now() }

// Simulated is a Clock whose time only advances when told to, for tests
// that assert on timestamp ordering without sleeping.
type Simulated struct {
	mu  sync.Mutex
	now time.Time
}

// NewSimulated returns a Simulated clock starting at t.
func NewSimulated(t time.Time) *Simulated {
	return &Simulated{now: t}
}

// Now returns the simulated current time.
func (c *Simulated) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the simulated clock forward by d.
func (c *Simulated) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SetTime pins the simulated clock to t.
func (c *Simulated) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
