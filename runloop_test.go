package runloop_test

//go:generate mockgen -source ./clock.go -destination ./internal/mock/mock_gen.go -package mock TimeProvider,Timer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cotask/runloop"
	"github.com/cotask/runloop/internal/mock"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var epoch = time.Date(2021, 6, 20, 10, 0, 0, 0, time.UTC)

func newVirtual(t *testing.T, opts ...runloop.Option) (*runloop.Scheduler, *runloop.VirtualClock) {
	t.Helper()
	clock := runloop.NewVirtualClock(epoch)
	s := runloop.New(append([]runloop.Option{runloop.WithVirtualClock(clock)}, opts...)...)
	return s, clock
}

// expectPending asserts the pending deferred tasks in execution order.
func expectPending(t *testing.T, s *runloop.Scheduler, handles ...runloop.Handle) {
	t.Helper()
	require.Equal(t, len(handles), s.Len())
	i := 0
	s.Scan(func(h runloop.Handle) bool {
		require.Equal(t, handles[i].String(), h.String(), "position %d", i)
		i++
		return true
	})
	require.Equal(t, len(handles), i)
}

func TestImmediateRunsSynchronously(t *testing.T) {
	s, _ := newVirtual(t)

	ran := false
	s.ScheduleImmediate(func() { ran = true })
	require.True(t, ran, "immediate work must run before control returns")
}

func TestOrderingBurst(t *testing.T) {
	// All code of a synchronous burst runs before any reaction, and all
	// reactions run before any deferred task, regardless of submission
	// order within the burst.
	s, _ := newVirtual(t)

	var order []string
	s.ScheduleDeferred(func() { order = append(order, "deferred") }, 0)

	f, settler := runloop.NewFuture(s)
	f.Attach(func(runloop.Value) (runloop.Value, error) {
		order = append(order, "reaction")
		return nil, nil
	}, nil)
	settler.Fulfill(nil)

	s.ScheduleImmediate(func() { order = append(order, "immediate") })

	require.Equal(t, []string{"immediate"}, order,
		"reactions must not run synchronously")
	require.NoError(t, s.RunUntilIdle())
	require.Equal(t, []string{"immediate", "reaction", "deferred"}, order)
}

func TestReactionFIFOOrder(t *testing.T) {
	s, _ := newVirtual(t)

	var order []int
	f, settler := runloop.NewFuture(s)
	for i := 0; i < 5; i++ {
		i := i
		f.Attach(func(runloop.Value) (runloop.Value, error) {
			order = append(order, i)
			return nil, nil
		}, nil)
	}
	settler.Fulfill(nil)

	require.NoError(t, s.RunUntilIdle())
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestDeferredDeadlineOrder(t *testing.T) {
	s, _ := newVirtual(t)

	var order []string
	s.ScheduleDeferred(func() { order = append(order, "late") }, 20*time.Millisecond)
	s.ScheduleDeferred(func() { order = append(order, "early") }, 10*time.Millisecond)
	s.ScheduleDeferred(func() { order = append(order, "tie1") }, 15*time.Millisecond)
	s.ScheduleDeferred(func() { order = append(order, "tie2") }, 15*time.Millisecond)

	require.NoError(t, s.RunUntilIdle())
	require.Equal(t, []string{"early", "tie1", "tie2", "late"}, order)
}

func TestReactionsDrainBetweenDeferredTasks(t *testing.T) {
	// After each deferred task, the reaction queue is drained again
	// before the next deferred task is considered.
	s, _ := newVirtual(t)

	var order []string
	s.ScheduleDeferred(func() {
		order = append(order, "d1")
		f, settler := runloop.NewFuture(s)
		f.Attach(func(runloop.Value) (runloop.Value, error) {
			order = append(order, "d1.reaction")
			return nil, nil
		}, nil)
		settler.Fulfill(nil)
	}, 0)
	s.ScheduleDeferred(func() { order = append(order, "d2") }, 0)

	require.NoError(t, s.RunUntilIdle())
	require.Equal(t, []string{"d1", "d1.reaction", "d2"}, order)
}

func TestScenarioReactionBeforeEqualDeadlineDeferred(t *testing.T) {
	// Deferred(0) submitted first still runs after a reaction from an
	// already resolved future; the two deferred tasks keep submission
	// order.
	s, _ := newVirtual(t)

	var order []string
	s.ScheduleDeferred(func() { order = append(order, "deferred1") }, 0)

	f, settler := runloop.NewFuture(s)
	settler.Fulfill(nil)
	f.Attach(func(runloop.Value) (runloop.Value, error) {
		order = append(order, "reaction")
		return nil, nil
	}, nil)

	s.ScheduleDeferred(func() { order = append(order, "deferred2") }, 0)

	require.NoError(t, s.RunUntilIdle())
	require.Equal(t, []string{"reaction", "deferred1", "deferred2"}, order)
}

func TestSelfReschedulingReactionRunsBeforeDeferred(t *testing.T) {
	// A reaction rescheduling itself 5 times completes all iterations
	// before a previously submitted Deferred(0) runs.
	s, _ := newVirtual(t)

	var order []string
	s.ScheduleDeferred(func() { order = append(order, "deferred") }, 0)

	f, settler := runloop.NewFuture(s)
	settler.Fulfill(nil)

	iterations := 0
	var spin func(runloop.Value) (runloop.Value, error)
	spin = func(runloop.Value) (runloop.Value, error) {
		iterations++
		order = append(order, "reaction")
		if iterations < 5 {
			f.Attach(spin, nil)
		}
		return nil, nil
	}
	f.Attach(spin, nil)

	require.NoError(t, s.RunUntilIdle())
	require.Equal(t, []string{
		"reaction", "reaction", "reaction", "reaction", "reaction",
		"deferred",
	}, order)
}

func TestStarvationDetectedByBudget(t *testing.T) {
	// An unconditionally self-rescheduling reaction starves the pending
	// deferred task forever; the reaction budget surfaces that instead
	// of hanging the test.
	s, _ := newVirtual(t, runloop.WithReactionBudget(100))

	deferredRan := false
	s.ScheduleDeferred(func() { deferredRan = true }, 0)

	f, settler := runloop.NewFuture(s)
	settler.Fulfill(nil)
	var spin func(runloop.Value) (runloop.Value, error)
	spin = func(runloop.Value) (runloop.Value, error) {
		f.Attach(spin, nil)
		return nil, nil
	}
	f.Attach(spin, nil)

	err := s.RunUntilIdle()
	require.ErrorIs(t, err, runloop.ErrBudgetExceeded)
	require.False(t, deferredRan)
}

func TestDrainReactionsBudget(t *testing.T) {
	s, _ := newVirtual(t)

	f, settler := runloop.NewFuture(s)
	for i := 0; i < 3; i++ {
		f.Attach(func(runloop.Value) (runloop.Value, error) {
			return nil, nil
		}, nil)
	}
	settler.Fulfill(nil)

	require.ErrorIs(t, s.DrainReactions(2), runloop.ErrBudgetExceeded)
	// A budget exactly consumed by an emptied queue is not an error.
	require.NoError(t, s.DrainReactions(1))
	require.NoError(t, s.DrainReactions(1))
}

func TestCancel(t *testing.T) {
	s, _ := newVirtual(t)

	ran := false
	h := s.ScheduleDeferred(func() { ran = true }, time.Second)
	keep := s.ScheduleDeferred(func() {}, 2*time.Second)
	expectPending(t, s, h, keep)

	require.True(t, s.Cancel(h))
	require.True(t, h.Cancelled())

	// Lazy cancellation: the task stays queued until the driver reaches it.
	require.Equal(t, 2, s.Len())

	require.NoError(t, s.RunUntilIdle())
	require.False(t, ran)
	require.Equal(t, 0, s.Len())
}

func TestCancelIdempotent(t *testing.T) {
	s, _ := newVirtual(t)

	h := s.ScheduleDeferred(func() {}, time.Second)
	require.True(t, s.Cancel(h))
	require.False(t, s.Cancel(h), "second cancel is a no-op")
	require.True(t, h.Cancelled())

	require.NoError(t, s.RunUntilIdle())
	require.False(t, s.Cancel(h), "cancelling a discarded task is a no-op")
}

func TestCancelAfterRun(t *testing.T) {
	s, _ := newVirtual(t)

	h := s.ScheduleDeferred(func() {}, time.Second)
	require.NoError(t, s.RunUntilIdle())
	require.False(t, s.Cancel(h))
	require.False(t, h.Cancelled())
}

func TestCancelZeroHandle(t *testing.T) {
	s, _ := newVirtual(t)
	require.False(t, s.Cancel(runloop.Handle{}))
}

func TestDelayFloor(t *testing.T) {
	s, clock := newVirtual(t, runloop.WithDelayFloor(4*time.Millisecond))

	h := s.ScheduleDeferred(func() {}, time.Millisecond)
	require.Equal(t, epoch.Add(4*time.Millisecond), h.Due())

	// RunReady at the current time must not admit the clamped task.
	require.NoError(t, s.RunReady())
	require.Equal(t, 1, s.Len())

	clock.Advance(4 * time.Millisecond)
	require.NoError(t, s.RunReady())
	require.Equal(t, 0, s.Len())
}

func TestRunReadyDoesNotAdvanceClock(t *testing.T) {
	s, clock := newVirtual(t)

	ran := false
	s.ScheduleDeferred(func() { ran = true }, time.Second)

	require.NoError(t, s.RunReady())
	require.False(t, ran)
	require.Equal(t, epoch, clock.Now())

	clock.Advance(time.Second)
	require.NoError(t, s.RunReady())
	require.True(t, ran)
}

func TestRunUntilIdleFastForwards(t *testing.T) {
	s, clock := newVirtual(t)

	var at []time.Time
	s.ScheduleDeferred(func() { at = append(at, s.Now()) }, time.Second)
	s.ScheduleDeferred(func() { at = append(at, s.Now()) }, time.Minute)

	require.NoError(t, s.RunUntilIdle())
	require.Equal(t, []time.Time{epoch.Add(time.Second), epoch.Add(time.Minute)}, at)
	require.Equal(t, epoch.Add(time.Minute), clock.Now())
}

func TestRepeating(t *testing.T) {
	s, clock := newVirtual(t)

	var runs int
	h := s.ScheduleRepeating(func() { runs++ }, 10*time.Millisecond, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Millisecond)
		require.NoError(t, s.RunReady())
	}
	require.Equal(t, 3, runs)

	require.True(t, s.Cancel(h))
	clock.Advance(10 * time.Millisecond)
	require.NoError(t, s.RunReady())
	require.Equal(t, 3, runs)
	require.Equal(t, 0, s.Len())
}

func TestRepeatingCancelFromInside(t *testing.T) {
	s, clock := newVirtual(t)

	var runs int
	var h runloop.Handle
	h = s.ScheduleRepeating(func() {
		runs++
		s.Cancel(h)
	}, time.Millisecond, time.Millisecond)

	clock.Advance(time.Millisecond)
	require.NoError(t, s.RunReady())
	require.Equal(t, 1, runs)
	require.Equal(t, 0, s.Len(), "cancelled task must not re-arm")
}

func TestScan(t *testing.T) {
	s, _ := newVirtual(t)

	h2 := s.ScheduleDeferred(func() {}, 2*time.Second)
	h1 := s.ScheduleDeferred(func() {}, time.Second)
	h3 := s.ScheduleDeferred(func() {}, 3*time.Second)
	expectPending(t, s, h1, h2, h3)

	var n int
	s.Scan(func(runloop.Handle) bool {
		n++
		return false
	})
	require.Equal(t, 1, n, "scan must stop when fn returns false")
}

func TestPanicIsolation(t *testing.T) {
	var panics []*runloop.PanicError
	s, _ := newVirtual(t, runloop.WithPanicHandler(func(e *runloop.PanicError) {
		panics = append(panics, e)
	}))

	var order []string
	s.ScheduleDeferred(func() { panic("boom") }, time.Millisecond)
	s.ScheduleDeferred(func() { order = append(order, "after") }, 2*time.Millisecond)

	require.NoError(t, s.RunUntilIdle(), "a task panic must not halt the driver")
	require.Equal(t, []string{"after"}, order)
	require.Len(t, panics, 1)
	require.Equal(t, "boom", panics[0].Value)
	require.NotEmpty(t, panics[0].Stack)
}

func TestPanicErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	var got *runloop.PanicError
	s, _ := newVirtual(t, runloop.WithPanicHandler(func(e *runloop.PanicError) {
		got = e
	}))

	s.ScheduleImmediate(func() { panic(cause) })
	require.NotNil(t, got)
	require.ErrorIs(t, got, cause)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s, _ := newVirtual(t)

	executed := make(chan struct{})
	s.ScheduleDeferred(func() { close(executed) }, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-executed
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRealModeArmsTimer(t *testing.T) {
	mc := gomock.NewController(t)
	tm := mock.NewMockTimeProvider(mc)
	timer := mock.NewMockTimer(mc)

	var fired atomic.Bool
	tm.EXPECT().
		Now().
		AnyTimes().
		DoAndReturn(func() runloop.Time {
			if fired.Load() {
				return epoch.Add(runloop.Hour)
			}
			return epoch
		})
	tm.EXPECT().
		AfterFunc(runloop.Hour, gomock.Any()).
		Times(1).
		DoAndReturn(func(_ runloop.Duration, fn func()) runloop.Timer {
			fired.Store(true)
			go fn()
			return timer
		})
	timer.EXPECT().
		Stop().
		AnyTimes().
		Return(true)

	s := runloop.New(runloop.WithTimeProvider(tm))

	ran := false
	s.ScheduleDeferred(func() { ran = true }, runloop.Hour)
	require.NoError(t, s.RunUntilIdle())
	require.True(t, ran)
}

func TestHandleAccessors(t *testing.T) {
	s, _ := newVirtual(t)

	h := s.ScheduleDeferred(func() {}, time.Second)
	require.Equal(t, epoch.Add(time.Second), h.Due())
	require.NotEmpty(t, h.String())
	require.False(t, h.Cancelled())

	var zero runloop.Handle
	require.True(t, zero.Due().IsZero())
	require.False(t, zero.Cancelled())
}
