package runloop

import (
	"time"
)

// Options is common scheduler options.
type Options struct {
	Provider         TimeProvider
	Virtual          *VirtualClock
	Logger           Logger
	Metrics          Metrics
	PanicHandler     func(*PanicError)
	RejectionHandler func(error)
	DelayFloor       time.Duration
	ReactionBudget   int
}

// NewOptions creates options with defaults: wall-clock time, no delay
// floor, unbounded reaction drain, silent logger and no-op metrics.
func NewOptions(opts ...Option) Options {
	options := Options{
		Provider: timeProvider{},
		Logger:   defaultLogger,
		Metrics:  noopMetrics{},
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.PanicHandler == nil {
		logger := options.Logger
		options.PanicHandler = func(e *PanicError) {
			logger.Printf("runloop: %v\n%s", e, e.Stack)
		}
	}
	if options.RejectionHandler == nil {
		logger := options.Logger
		options.RejectionHandler = func(err error) {
			logger.Printf("runloop: unhandled rejection: %v", err)
		}
	}
	return options
}

// Option is for setting options.
type Option func(*Options)

// WithTimeProvider replaces the wall-clock time source.
// If p == nil it is ignored.
func WithTimeProvider(p TimeProvider) Option {
	return func(o *Options) {
		if p != nil {
			o.Provider = p
			o.Virtual = nil
		}
	}
}

// WithVirtualClock puts the scheduler into virtual-time mode: the clock
// only moves via VirtualClock.Advance or when RunUntilIdle fast-forwards
// to the next deadline.
func WithVirtualClock(c *VirtualClock) Option {
	return func(o *Options) {
		if c != nil {
			o.Provider = c
			o.Virtual = c
		}
	}
}

// WithDelayFloor clamps deferred delays to a minimum, mirroring the timer
// coalescing real hosts apply: effective deadline is
// now + max(delay, floor). Must be greater than 0, otherwise ignored.
func WithDelayFloor(floor time.Duration) Option {
	return func(o *Options) {
		if floor > 0 {
			o.DelayFloor = floor
		}
	}
}

// WithReactionBudget bounds every reaction drain performed by the driver.
// Exceeding the budget makes RunUntilIdle, RunReady and Run return
// ErrBudgetExceeded. A budget < 1 means unbounded, the default.
// Intended for diagnosing runaway recursive scheduling, not for production
// use: a bounded drain weakens the reactions-before-deferred guarantee.
func WithReactionBudget(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.ReactionBudget = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *Options) {
		if m != nil {
			o.Metrics = m
		}
	}
}

// WithPanicHandler sets the hook invoked when an Immediate or Deferred
// task body panics. Reaction panics are not routed here; they reject the
// derived future instead.
func WithPanicHandler(fn func(*PanicError)) Option {
	return func(o *Options) {
		if fn != nil {
			o.PanicHandler = fn
		}
	}
}

// WithRejectionHandler sets the hook invoked for every future that is
// still rejected and unhandled at the moment the driver becomes idle.
func WithRejectionHandler(fn func(error)) Option {
	return func(o *Options) {
		if fn != nil {
			o.RejectionHandler = fn
		}
	}
}
