package taskmgr

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/taskd/internal/tracker"
)

type managerMetrics struct {
	finished metric.Int64Counter
	duration metric.Float64Histogram
	active   metric.Int64ObservableGauge
	queued   metric.Int64ObservableGauge
	inflight metric.Int64ObservableGauge
}

func newManagerMetrics(logger pslog.Logger, m *Manager) *managerMetrics {
	meter := otel.Meter("pkt.systems/taskd/taskmgr")
	mm := &managerMetrics{}
	var err error

	mm.finished, err = meter.Int64Counter(
		"taskd.task.finished",
		metric.WithDescription("Trackers that reached a terminal status"),
	)
	logMetricInitError(logger, "taskd.task.finished", err)

	mm.duration, err = meter.Float64Histogram(
		"taskd.task.duration",
		metric.WithDescription("Tracker execution time"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "taskd.task.duration", err)

	mm.active, err = meter.Int64ObservableGauge(
		"taskd.task.active",
		metric.WithDescription("Trackers holding a concurrency slot"),
	)
	logMetricInitError(logger, "taskd.task.active", err)

	mm.queued, err = meter.Int64ObservableGauge(
		"taskd.task.queued",
		metric.WithDescription("Trackers waiting for capacity, by priority"),
	)
	logMetricInitError(logger, "taskd.task.queued", err)

	mm.inflight, err = meter.Int64ObservableGauge(
		"taskd.poll.inflight",
		metric.WithDescription("Polls currently in flight"),
	)
	logMetricInitError(logger, "taskd.poll.inflight", err)

	if mm.active != nil && mm.queued != nil && mm.inflight != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(mm.active, m.active.Load())
			o.ObserveInt64(mm.inflight, m.pollInflight.Load())
			for p := 0; p < m.queues.Levels(); p++ {
				q, err := m.queues.Queue(p)
				if err != nil {
					continue
				}
				o.ObserveInt64(mm.queued, q.Count(), metric.WithAttributes(priorityAttr(p)))
			}
			return nil
		}, mm.active, mm.queued, mm.inflight); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "taskd.task", "error", err)
		}
	}
	return mm
}

func (mm *managerMetrics) recordFinished(ctx context.Context, priority int, status tracker.Status, failed bool, d time.Duration) {
	if mm == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		priorityAttr(priority),
		attribute.String("taskd.task.status", status.String()),
		attribute.Bool("taskd.task.failed", failed),
	)
	if mm.finished != nil {
		mm.finished.Add(ctx, 1, attrs)
	}
	if mm.duration != nil && d > 0 {
		mm.duration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
	}
}

func priorityAttr(p int) attribute.KeyValue {
	return attribute.String("taskd.task.priority", strconv.Itoa(p))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
