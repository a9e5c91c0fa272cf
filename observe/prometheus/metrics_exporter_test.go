package prometheus

import (
	"testing"
	"time"

	"github.com/cotask/runloop"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsExporter(t *testing.T) {
	reg := prom.NewRegistry()
	m, err := NewMetricsExporter("", reg, ExporterOptions{})
	require.NoError(t, err)
	require.NotNil(t, m)

	m.TaskExecuted(runloop.ClassReaction, 5*time.Millisecond)
	m.TaskPanicked(runloop.ClassDeferred)
	m.TaskCancelled()
	m.QueueDepth(3, 7)

	require.Equal(t, float64(1), testutil.ToFloat64(
		m.taskPanicTotal.WithLabelValues("deferred")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.taskCancelledTotal))
	require.Equal(t, float64(3), testutil.ToFloat64(
		m.queueDepth.WithLabelValues("reactions")))
	require.Equal(t, float64(7), testutil.ToFloat64(
		m.queueDepth.WithLabelValues("deferred")))

	count, err := testutil.GatherAndCount(reg,
		"runloop_task_duration_seconds",
		"runloop_task_panic_total",
		"runloop_task_cancelled_total",
		"runloop_queue_depth",
	)
	require.NoError(t, err)
	require.Equal(t, 5, count)
}

func TestNewMetricsExporterReusesRegistered(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewMetricsExporter("loop", reg, ExporterOptions{})
	require.NoError(t, err)

	second, err := NewMetricsExporter("loop", reg, ExporterOptions{})
	require.NoError(t, err)
	require.Same(t, first.taskDurationSeconds, second.taskDurationSeconds)
}

func TestExporterDrivenByScheduler(t *testing.T) {
	reg := prom.NewRegistry()
	m, err := NewMetricsExporter("", reg, ExporterOptions{})
	require.NoError(t, err)

	clock := runloop.NewVirtualClock(time.Date(2021, 6, 20, 10, 0, 0, 0, time.UTC))
	s := runloop.New(
		runloop.WithVirtualClock(clock),
		runloop.WithMetrics(m),
	)

	h := s.ScheduleDeferred(func() {}, time.Millisecond)
	s.Cancel(h)
	s.ScheduleDeferred(func() {}, time.Millisecond)
	require.NoError(t, s.RunUntilIdle())

	require.Equal(t, float64(1), testutil.ToFloat64(m.taskCancelledTotal))
	require.Equal(t, float64(0), testutil.ToFloat64(
		m.queueDepth.WithLabelValues("deferred")))
}
