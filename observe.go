package runloop

import "time"

// Metrics receives scheduler execution events.
// Implementations must be safe for use from the driver goroutine; see
// observe/prometheus for a ready-made exporter.
type Metrics interface {
	// TaskExecuted reports a completed task body and its wall-clock duration.
	TaskExecuted(class Class, d time.Duration)

	// TaskPanicked reports a task body that panicked.
	TaskPanicked(class Class)

	// TaskCancelled reports a deferred task discarded at pop time.
	TaskCancelled()

	// QueueDepth reports queue lengths after a task has been executed.
	QueueDepth(reactions, deferred int)
}

type noopMetrics struct{}

func (noopMetrics) TaskExecuted(Class, time.Duration) {}

func (noopMetrics) TaskPanicked(Class) {}

func (noopMetrics) TaskCancelled() {}

func (noopMetrics) QueueDepth(int, int) {}
