package runloop

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/cotask/runloop/internal/queue"
)

// New creates a new scheduler.
func New(opts ...Option) *Scheduler {
	return &Scheduler{
		opts:      NewOptions(opts...),
		deferred:  queue.New(),
		unhandled: make(map[uint64]*Future),
		wake:      make(chan struct{}, 1),
	}
}

// Scheduler is a cooperative, run-to-completion task scheduler.
//
// It orders three classes of work: immediate tasks run synchronously at
// submission, reaction tasks (future continuations) drain FIFO to
// exhaustion, and deferred tasks are admitted one at a time once their
// deadline is reached. Once a task body starts it is never interrupted.
type Scheduler struct {
	opts Options

	lock      sync.RWMutex
	seq       uint64
	futureSeq uint64
	reactions reactionFIFO
	deferred  queue.Queue
	unhandled map[uint64]*Future

	// wake is signalled by submissions, settlements and deadline timers
	// so that a waiting driver re-checks its queues.
	wake chan struct{}
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() Time {
	return s.opts.Provider.Now()
}

// Len returns the number of pending deferred tasks,
// including lazily cancelled ones not yet discarded.
func (s *Scheduler) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.deferred.Len()
}

// ScheduleImmediate runs fn synchronously, before control returns to the
// caller. A panic in fn is isolated and reported to the panic handler.
// Reactions produced by fn land in the reaction queue as usual and run
// when the driver next drains.
func (s *Scheduler) ScheduleImmediate(fn func()) {
	if fn == nil {
		return
	}
	t := &task{fn: fn, class: ClassImmediate}
	s.lock.Lock()
	s.seq++
	t.seq = s.seq
	s.lock.Unlock()
	s.runTask(t)
}

// ScheduleDeferred schedules fn for execution once delay has elapsed on
// the scheduler's clock. A delay of zero still goes through the deferred
// queue: reactions pending at that point run first. Two tasks scheduled
// with equal effective deadlines run in submission order.
func (s *Scheduler) ScheduleDeferred(fn func(), delay time.Duration) Handle {
	return s.scheduleDeferred(fn, delay, 0)
}

// ScheduleRepeating behaves like ScheduleDeferred and then re-arms the
// task interval after each completion until cancelled. The next deadline
// is measured from completion, not from the previous deadline.
// An interval < 1 degrades to a one-shot task.
func (s *Scheduler) ScheduleRepeating(fn func(), delay, interval time.Duration) Handle {
	return s.scheduleDeferred(fn, delay, interval)
}

func (s *Scheduler) scheduleDeferred(fn func(), delay, interval time.Duration) Handle {
	if fn == nil {
		return Handle{}
	}
	if delay < s.opts.DelayFloor {
		delay = s.opts.DelayFloor
	}
	if delay < 0 {
		delay = 0
	}
	deadline := s.Now().Add(delay)
	t := &task{
		fn:       fn,
		class:    ClassDeferred,
		deadline: deadline,
		interval: interval,
		id:       newTaskID(deadline),
	}
	s.lock.Lock()
	s.seq++
	t.seq = s.seq
	s.deferred.Set(queue.Key{Deadline: deadline.UnixNano(), Seq: t.seq}, t)
	s.lock.Unlock()
	s.notify()
	return Handle{t: t}
}

// Cancel cancels a pending deferred task and returns true.
// Returns false if the task already ran or was already cancelled; either
// way the call is a harmless no-op, never an error. Cancellation is lazy:
// the task stays queued and is discarded when the driver reaches it.
func (s *Scheduler) Cancel(h Handle) bool {
	if h.t == nil || h.t.done.Load() {
		return false
	}
	return h.t.cancelled.CompareAndSwap(false, true)
}

// Scan walks all pending deferred tasks in execution order, executing fn
// for each until either the end of the queue is reached or fn returns
// false. fn must not schedule or cancel work.
func (s *Scheduler) Scan(fn func(Handle) bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	s.deferred.Scan(func(_ queue.Key, v any) bool {
		return fn(Handle{t: v.(*task)})
	})
}

// DrainReactions pops and runs reaction tasks until the queue is empty at
// the moment of the check, including reactions pushed by reactions that
// ran during this same drain. A budget > 0 bounds the number of
// iterations; exceeding it returns ErrBudgetExceeded. A budget < 1 drains
// unbounded, which is the ordering guarantee callers rely on: a reaction
// that unconditionally requeues itself then starves deferred tasks
// forever. That is a documented hazard of the model, not something the
// drain guards against by default.
func (s *Scheduler) DrainReactions(budget int) error {
	for n := 0; ; n++ {
		if budget > 0 && n >= budget {
			s.lock.RLock()
			pending := s.reactions.len()
			s.lock.RUnlock()
			if pending > 0 {
				return fmt.Errorf("%w: %d reactions ran, %d still queued",
					ErrBudgetExceeded, n, pending)
			}
			return nil
		}
		s.lock.Lock()
		t := s.reactions.pop()
		s.lock.Unlock()
		if t == nil {
			return nil
		}
		s.runTask(t)
	}
}

// RunUntilIdle drives the scheduler until both queues are empty and no
// deferred task remains pending. Each cycle fully drains the reaction
// queue, then admits exactly one ready deferred task. When nothing is
// ready yet, a virtual-clock scheduler fast-forwards to the next deadline
// and a wall-clock scheduler sleeps until it.
//
// The only error is ErrBudgetExceeded when WithReactionBudget is set.
// Note that a repeating task prevents RunUntilIdle from ever returning.
func (s *Scheduler) RunUntilIdle() error {
	for {
		if err := s.DrainReactions(s.opts.ReactionBudget); err != nil {
			return err
		}
		t, next, pending := s.popReady(s.Now())
		if t != nil {
			s.runDeferred(t)
			continue
		}
		if !pending {
			if s.reportRejections() {
				// Hooks may have scheduled more work.
				continue
			}
			if s.pendingWork() {
				continue
			}
			return nil
		}
		if s.opts.Virtual != nil {
			s.opts.Virtual.advanceTo(next)
			continue
		}
		timer := s.opts.Provider.AfterFunc(next.Sub(s.Now()), s.notify)
		<-s.wake
		timer.Stop()
	}
}

// RunReady drives the scheduler like RunUntilIdle but never moves the
// clock and never sleeps: it returns as soon as no task is ready at the
// current time. Intended for harnesses stepping a VirtualClock manually.
func (s *Scheduler) RunReady() error {
	for {
		if err := s.DrainReactions(s.opts.ReactionBudget); err != nil {
			return err
		}
		t, _, _ := s.popReady(s.Now())
		if t == nil {
			if s.reportRejections() {
				continue
			}
			return nil
		}
		s.runDeferred(t)
	}
}

// Run drives the scheduler until ctx is cancelled, idling between
// deadlines and waking on new submissions. This is the production mode
// loop; it only returns ctx.Err() or ErrBudgetExceeded.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.DrainReactions(s.opts.ReactionBudget); err != nil {
			return err
		}
		t, next, pending := s.popReady(s.Now())
		if t != nil {
			s.runDeferred(t)
			continue
		}
		s.reportRejections()
		var timer Timer
		if pending {
			if s.opts.Virtual != nil {
				s.opts.Virtual.advanceTo(next)
				continue
			}
			timer = s.opts.Provider.AfterFunc(next.Sub(s.Now()), s.notify)
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		}
	}
}

// popReady removes and returns the first runnable deferred task whose
// deadline is <= now. Cancelled tasks encountered at the front are
// discarded here, lazily. If no task is ready, next holds the earliest
// pending deadline and pending reports whether one exists.
func (s *Scheduler) popReady(now Time) (t *task, next Time, pending bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for {
		k, v := s.deferred.Front()
		if v == nil {
			return nil, Time{}, false
		}
		dt := v.(*task)
		if dt.cancelled.Load() {
			s.deferred.Remove(k)
			dt.done.Store(true)
			s.opts.Metrics.TaskCancelled()
			continue
		}
		if k.Deadline > now.UnixNano() {
			return nil, dt.deadline, true
		}
		s.deferred.Remove(k)
		return dt, Time{}, true
	}
}

// runDeferred executes t and re-arms it when it repeats.
func (s *Scheduler) runDeferred(t *task) {
	s.runTask(t)
	if t.interval > 0 && !t.cancelled.Load() {
		deadline := s.Now().Add(t.interval)
		t.deadline = deadline
		s.lock.Lock()
		s.seq++
		t.seq = s.seq
		s.deferred.Set(queue.Key{Deadline: deadline.UnixNano(), Seq: t.seq}, t)
		s.lock.Unlock()
		return
	}
	t.done.Store(true)
}

// runTask executes a task body to completion. Panics are contained at
// this boundary: queue state stays intact and the driver keeps running.
func (s *Scheduler) runTask(t *task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.opts.Metrics.TaskPanicked(t.class)
			s.opts.PanicHandler(&PanicError{Value: r, Stack: debug.Stack()})
		}
		s.opts.Metrics.TaskExecuted(t.class, time.Since(start))
		s.lock.RLock()
		reactions, deferred := s.reactions.len(), s.deferred.Len()
		s.lock.RUnlock()
		s.opts.Metrics.QueueDepth(reactions, deferred)
	}()
	t.fn()
}

// enqueueReaction appends a future continuation to the reaction queue.
func (s *Scheduler) enqueueReaction(fn func()) {
	t := &task{fn: fn, class: ClassReaction}
	s.lock.Lock()
	s.seq++
	t.seq = s.seq
	s.reactions.push(t)
	s.lock.Unlock()
	s.notify()
}

func (s *Scheduler) pendingWork() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.reactions.len() > 0 || s.deferred.Len() > 0
}

// reportRejections invokes the rejection handler for every future that
// rejected without a handler ever being attached, in settlement order.
// Reports whether anything was reported.
func (s *Scheduler) reportRejections() bool {
	s.lock.Lock()
	if len(s.unhandled) == 0 {
		s.lock.Unlock()
		return false
	}
	futures := make([]*Future, 0, len(s.unhandled))
	for _, f := range s.unhandled {
		futures = append(futures, f)
	}
	s.unhandled = make(map[uint64]*Future)
	s.lock.Unlock()

	sort.Slice(futures, func(i, j int) bool {
		return futures[i].id < futures[j].id
	})
	for _, f := range futures {
		s.opts.RejectionHandler(f.Err())
	}
	return true
}

func (s *Scheduler) nextFutureID() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.futureSeq++
	return s.futureSeq
}

func (s *Scheduler) trackRejection(f *Future) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.unhandled[f.id] = f
}

func (s *Scheduler) untrackRejection(f *Future) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.unhandled, f.id)
}

// notify wakes a driver blocked between deadlines.
func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
