package runloop

import "sync"

// Settled is the per-future outcome reported by AllSettled.
// Err == nil means the future fulfilled with Value.
type Settled struct {
	Value Value
	Err   error
}

// Fulfilled reports whether the future fulfilled.
func (r Settled) Fulfilled() bool {
	return r.Err == nil
}

// All returns a future that fulfills with the values of all input
// futures, in input order, once every one of them fulfills. It rejects
// with the first rejection; settlements arriving afterwards are ignored.
// An empty input fulfills immediately with an empty slice.
func All(s *Scheduler, futures ...*Future) *Future {
	result, settler := NewFuture(s)
	n := len(futures)
	if n == 0 {
		settler.Fulfill([]Value{})
		return result
	}

	var mu sync.Mutex
	values := make([]Value, n)
	remaining := n

	for i, f := range futures {
		i := i
		f.Attach(
			func(v Value) (Value, error) {
				mu.Lock()
				values[i] = v
				remaining--
				done := remaining == 0
				mu.Unlock()
				if done {
					settler.Fulfill(values)
				}
				return nil, nil
			},
			func(e error) (Value, error) {
				settler.Reject(e)
				return nil, nil
			},
		)
	}
	return result
}

// AllSettled returns a future that fulfills with a []Settled describing
// every input future's outcome, in input order, once all of them have
// settled. It never rejects. An empty input fulfills immediately.
func AllSettled(s *Scheduler, futures ...*Future) *Future {
	result, settler := NewFuture(s)
	n := len(futures)
	if n == 0 {
		settler.Fulfill([]Settled{})
		return result
	}

	var mu sync.Mutex
	results := make([]Settled, n)
	remaining := n

	record := func(i int, r Settled) {
		mu.Lock()
		results[i] = r
		remaining--
		done := remaining == 0
		mu.Unlock()
		if done {
			settler.Fulfill(results)
		}
	}

	for i, f := range futures {
		i := i
		f.Attach(
			func(v Value) (Value, error) {
				record(i, Settled{Value: v})
				return nil, nil
			},
			func(e error) (Value, error) {
				record(i, Settled{Err: e})
				return nil, nil
			},
		)
	}
	return result
}

// Race returns a future adopting the first settlement of any input
// future, fulfilled or rejected; later settlements are ignored. With no
// inputs the result stays pending forever.
//
// Combined with ScheduleDeferred this composes timeouts: race the work
// future against one that a deferred task rejects at the deadline.
func Race(s *Scheduler, futures ...*Future) *Future {
	result, settler := NewFuture(s)
	for _, f := range futures {
		f.Attach(
			func(v Value) (Value, error) {
				settler.Fulfill(v)
				return nil, nil
			},
			func(e error) (Value, error) {
				settler.Reject(e)
				return nil, nil
			},
		)
	}
	return result
}
