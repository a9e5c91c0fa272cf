package runloop

import (
	"sync"
	"time"
)

type (
	Time     = time.Time
	Duration = time.Duration
)

const (
	Nanosecond  = time.Nanosecond
	Microsecond = time.Microsecond
	Millisecond = time.Millisecond
	Second      = time.Second
	Minute      = time.Minute
	Hour        = time.Hour
)

// Timer is an armed deferred wakeup.
// The standard library's time.Timer satisfies it through AfterFunc.
type Timer interface {
	Stop() bool
	Reset(Duration) bool
}

// TimeProvider abstracts the scheduler's time source so that real time can
// be replaced in tests or by a VirtualClock.
type TimeProvider interface {
	Now() Time
	AfterFunc(Duration, func()) Timer
}

// timeProvider is the wall-clock TimeProvider used by default.
type timeProvider struct{}

func (p timeProvider) Now() Time {
	return time.Now()
}

func (p timeProvider) AfterFunc(d Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// VirtualClock is a manually driven time source for deterministic tests.
// Time only moves when Advance is called or when a scheduler in virtual
// mode fast-forwards to the next deadline. Advancing the clock is the test
// harness's exclusive responsibility: calling Advance from inside a running
// task is undefined behavior and must not be relied upon.
type VirtualClock struct {
	mu  sync.Mutex
	now Time
}

// NewVirtualClock creates a virtual clock frozen at start.
func NewVirtualClock(start Time) *VirtualClock {
	return &VirtualClock{now: start}
}

func (c *VirtualClock) Now() Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
// Negative deltas are ignored.
func (c *VirtualClock) Advance(d Duration) Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}

// advanceTo fast-forwards the clock to t. Never moves time backwards.
func (c *VirtualClock) advanceTo(t Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

// AfterFunc implements TimeProvider. A virtual clock never sleeps, so the
// returned timer is inert; schedulers in virtual mode fast-forward instead
// of arming timers.
func (c *VirtualClock) AfterFunc(Duration, func()) Timer {
	return inertTimer{}
}

type inertTimer struct{}

func (inertTimer) Stop() bool { return false }

func (inertTimer) Reset(Duration) bool { return false }
