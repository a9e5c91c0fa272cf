package runloop

import (
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"
)

// Class identifies a task's scheduling class.
type Class uint8

const (
	// ClassImmediate tasks run synchronously at submission.
	ClassImmediate Class = iota

	// ClassReaction tasks are future continuations, drained FIFO to
	// exhaustion before any deferred task is admitted.
	ClassReaction

	// ClassDeferred tasks run once their deadline is reached, one per
	// driver cycle.
	ClassDeferred
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassImmediate:
		return "immediate"
	case ClassReaction:
		return "reaction"
	case ClassDeferred:
		return "deferred"
	}
	return "unknown"
}

// task is a single schedulable unit of work. It is owned exclusively by
// the queue holding it and consumed by the driver on execution.
type task struct {
	fn        func()
	id        ksuid.KSUID
	deadline  Time
	interval  time.Duration // > 0 re-arms after execution
	seq       uint64
	class     Class
	cancelled atomic.Bool
	done      atomic.Bool
}

// Handle references a pending deferred task for cancellation and
// introspection. The zero Handle is inert: cancelling it does nothing.
type Handle struct {
	t *task
}

// String returns the stringified task identifier.
func (h Handle) String() string {
	if h.t == nil {
		return ksuid.KSUID{}.String()
	}
	return h.t.id.String()
}

// Due returns the task's scheduled due time.
func (h Handle) Due() Time {
	if h.t == nil {
		return Time{}
	}
	return h.t.deadline
}

// Cancelled reports whether the task has been cancelled.
func (h Handle) Cancelled() bool {
	return h.t != nil && h.t.cancelled.Load()
}

// newTaskID generates a new unique identifier carrying the due time.
func newTaskID(tm Time) ksuid.KSUID {
	k, err := ksuid.NewRandomWithTime(tm)
	if err != nil {
		// NewRandomWithTime only fails when the system entropy source
		// does; fall back to the nil KSUID rather than propagating.
		return ksuid.KSUID{}
	}
	return k
}

// reactionFIFO is an unbounded FIFO of reaction tasks. Popping is
// intentionally one-at-a-time so that drains observe tasks pushed during
// the same drain.
type reactionFIFO struct {
	head []*task
	next int
}

func (q *reactionFIFO) push(t *task) {
	q.head = append(q.head, t)
}

func (q *reactionFIFO) pop() *task {
	if q.next >= len(q.head) {
		q.head = q.head[:0]
		q.next = 0
		return nil
	}
	t := q.head[q.next]
	q.head[q.next] = nil
	q.next++
	return t
}

func (q *reactionFIFO) len() int {
	return len(q.head) - q.next
}
