// Package runloop provides a single-threaded cooperative task scheduler
// that interleaves immediate work, future reactions and deadline-deferred
// callbacks with deterministic ordering.
// Submission methods of a Scheduler instance are thread-safe and can safely
// be used from within multiple goroutines; execution happens exclusively
// inside RunUntilIdle, RunReady and Run.
package runloop
