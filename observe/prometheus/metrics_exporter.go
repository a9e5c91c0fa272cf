// Package prometheus adapts runloop.Metrics to Prometheus collectors.
package prometheus

import (
	"errors"
	"fmt"
	"time"

	"github.com/cotask/runloop"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter implements runloop.Metrics on top of Prometheus
// collectors.
type MetricsExporter struct {
	taskDurationSeconds *prom.HistogramVec
	taskPanicTotal      *prom.CounterVec
	taskCancelledTotal  prom.Counter
	queueDepth          *prom.GaugeVec
}

var _ runloop.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for
// runloop.Metrics. Collectors already registered on reg are reused.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "runloop"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Task execution duration in seconds.",
		Buckets:   buckets,
	}, []string{"class"})
	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_panic_total",
		Help:      "Total number of task panics.",
	}, []string{"class"})
	cancelledCounter := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_cancelled_total",
		Help:      "Total number of cancelled deferred tasks discarded.",
	})
	queueDepthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Current queue depth.",
	}, []string{"queue"})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if panicVec, err = registerCollector(reg, panicVec); err != nil {
		return nil, err
	}
	if cancelledCounter, err = registerCollector(reg, cancelledCounter); err != nil {
		return nil, err
	}
	if queueDepthVec, err = registerCollector(reg, queueDepthVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		taskDurationSeconds: durationVec,
		taskPanicTotal:      panicVec,
		taskCancelledTotal:  cancelledCounter,
		queueDepth:          queueDepthVec,
	}, nil
}

// TaskExecuted records task execution duration.
func (m *MetricsExporter) TaskExecuted(class runloop.Class, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDurationSeconds.WithLabelValues(class.String()).Observe(d.Seconds())
}

// TaskPanicked records a task panic event.
func (m *MetricsExporter) TaskPanicked(class runloop.Class) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(class.String()).Inc()
}

// TaskCancelled records a cancelled deferred task being discarded.
func (m *MetricsExporter) TaskCancelled() {
	if m == nil {
		return
	}
	m.taskCancelledTotal.Inc()
}

// QueueDepth records current queue depths.
func (m *MetricsExporter) QueueDepth(reactions, deferred int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("reactions").Set(float64(reactions))
	m.queueDepth.WithLabelValues("deferred").Set(float64(deferred))
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
