package runloop

import (
	"runtime/debug"
	"sync"
)

// Value is the dynamically typed payload of a Future. Fulfillment values
// can be any type; rejections are always errors.
type Value = any

// State represents the lifecycle state of a Future. A future starts
// Pending and transitions exactly once to either Fulfilled or Rejected;
// the transition is irreversible and the first settlement wins.
type State int32

const (
	Pending State = iota
	Fulfilled
	Rejected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Future is a three-state value container. Continuations attached via
// Attach are never invoked synchronously: they are converted into
// reaction tasks on the owning scheduler and run when the driver drains.
type Future struct {
	s  *Scheduler
	id uint64

	mu        sync.Mutex
	state     State
	value     Value
	err       error
	reactions []reaction
	handled   bool
}

// reaction is a continuation pair and the future its outcome drives.
type reaction struct {
	onFulfilled func(Value) (Value, error)
	onRejected  func(error) (Value, error)
	derived     *Future
}

// Settler is the write side of a Future, handed to whoever produces the
// result. Fulfill and Reject are idempotent and safe to call from any
// goroutine; only the first call settles the future.
type Settler struct {
	f *Future
}

// NewFuture creates a pending future owned by s together with its
// settler.
func NewFuture(s *Scheduler) (*Future, *Settler) {
	f := &Future{s: s, id: s.nextFutureID()}
	return f, &Settler{f: f}
}

// Fulfill settles the future with v. A no-op if already settled.
func (st *Settler) Fulfill(v Value) {
	st.f.fulfill(v)
}

// Reject settles the future with err. A no-op if already settled.
func (st *Settler) Reject(err error) {
	st.f.reject(err)
}

// State returns the current state.
func (f *Future) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Value returns the fulfillment value, or nil while pending or rejected.
func (f *Future) Value() Value {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Err returns the rejection error, or nil while pending or fulfilled.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Attach registers a continuation pair and returns a new Future settled
// by whichever callback runs: a (value, nil) return fulfills it, a
// non-nil error (or a panic) rejects it, and a returned *Future is
// adopted, driving the settlement once it settles. A nil callback passes
// the corresponding outcome through unchanged.
//
// On a pending future the pair is stored; on a settled future the
// appropriate callback is enqueued as a reaction immediately. Either way
// it runs asynchronously, on the scheduler, never inside Attach.
func (f *Future) Attach(
	onFulfilled func(Value) (Value, error),
	onRejected func(error) (Value, error),
) *Future {
	derived := &Future{s: f.s, id: f.s.nextFutureID()}
	r := reaction{onFulfilled: onFulfilled, onRejected: onRejected, derived: derived}

	f.mu.Lock()
	f.handled = true
	if f.state == Pending {
		f.reactions = append(f.reactions, r)
		f.mu.Unlock()
		return derived
	}
	f.mu.Unlock()

	f.s.untrackRejection(f)
	f.s.enqueueReaction(func() { f.runReaction(r) })
	return derived
}

func (f *Future) fulfill(v Value) {
	f.settle(Fulfilled, v, nil)
}

func (f *Future) reject(err error) {
	f.settle(Rejected, nil, err)
}

// settle performs the one-time Pending transition. Previously attached
// reactions are enqueued in attachment order; a rejection with no
// reaction ever attached is tracked for the unhandled-rejection hook.
func (f *Future) settle(state State, v Value, err error) {
	f.mu.Lock()
	if f.state != Pending {
		f.mu.Unlock()
		return
	}
	f.state, f.value, f.err = state, v, err
	rs := f.reactions
	f.reactions = nil
	handled := f.handled
	f.mu.Unlock()

	for _, r := range rs {
		r := r
		f.s.enqueueReaction(func() { f.runReaction(r) })
	}
	if state == Rejected && !handled {
		f.s.trackRejection(f)
	}
}

// runReaction executes one continuation against the settled outcome.
// Runs on the scheduler as a reaction task. A callback panic is not
// swallowed and not fatal: it rejects the derived future.
func (f *Future) runReaction(r reaction) {
	f.mu.Lock()
	state, value, err := f.state, f.value, f.err
	f.mu.Unlock()

	var out Value
	var cbErr error
	switch state {
	case Fulfilled:
		if r.onFulfilled == nil {
			r.derived.fulfill(value)
			return
		}
		out, cbErr = protect(func() (Value, error) { return r.onFulfilled(value) })
	case Rejected:
		if r.onRejected == nil {
			r.derived.reject(err)
			return
		}
		out, cbErr = protect(func() (Value, error) { return r.onRejected(err) })
	default:
		// Reactions are only enqueued at or after settlement.
		return
	}
	if cbErr != nil {
		r.derived.reject(cbErr)
		return
	}
	if ft, ok := out.(*Future); ok && ft != nil && ft != r.derived {
		ft.pipe(r.derived)
		return
	}
	r.derived.fulfill(out)
}

// pipe forwards f's eventual settlement into target.
func (f *Future) pipe(target *Future) {
	f.Attach(
		func(v Value) (Value, error) {
			target.fulfill(v)
			return nil, nil
		},
		func(e error) (Value, error) {
			target.reject(e)
			return nil, nil
		},
	)
}

// protect invokes fn, converting a panic into a rejection error.
func protect(fn func() (Value, error)) (out Value, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	return fn()
}
