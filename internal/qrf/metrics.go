package qrf

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type qrfMetrics struct {
	state       metric.Int64ObservableGauge
	decisions   metric.Int64Counter
	transitions metric.Int64Counter
}

func newQRFMetrics(logger pslog.Logger, controller *Controller) *qrfMetrics {
	if !controller.cfg.Enabled {
		return nil
	}
	meter := otel.Meter("pkt.systems/taskd/qrf")
	m := &qrfMetrics{}
	var err error

	m.state, err = meter.Int64ObservableGauge(
		"taskd.qrf.state",
		metric.WithDescription("Current QRF state (0 disengaged, 1 soft arm, 2 engaged, 3 recovery)"),
	)
	logMetricInitError(logger, "taskd.qrf.state", err)

	m.decisions, err = meter.Int64Counter(
		"taskd.qrf.decision",
		metric.WithDescription("QRF throttle decisions"),
	)
	logMetricInitError(logger, "taskd.qrf.decision", err)

	m.transitions, err = meter.Int64Counter(
		"taskd.qrf.transition",
		metric.WithDescription("QRF state transitions"),
	)
	logMetricInitError(logger, "taskd.qrf.transition", err)

	if m.state != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.state, int64(controller.State()))
			return nil
		}, m.state); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "taskd.qrf.state", "error", err)
		}
	}

	return m
}

func (m *qrfMetrics) recordDecision(ctx context.Context, kind Kind, decision Decision) {
	if m == nil || m.decisions == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{
		attribute.String("taskd.qrf.kind", kind.String()),
		attribute.String("taskd.qrf.state", decision.State.String()),
		attribute.Bool("taskd.qrf.throttle", decision.Throttle),
		attribute.Bool("taskd.qrf.skip", decision.Skip),
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *qrfMetrics) recordTransition(ctx context.Context, from, to State, reason string) {
	if m == nil || m.transitions == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{
		attribute.String("taskd.qrf.from", from.String()),
		attribute.String("taskd.qrf.to", to.String()),
		attribute.String("taskd.qrf.reason", reasonLabel(reason)),
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// String returns the metric label for the kind.
func (k Kind) String() string {
	switch k {
	case KindSubmit:
		return "submit"
	case KindPoll:
		return "poll"
	case KindSchedule:
		return "schedule"
	default:
		return "unknown"
	}
}

func reasonLabel(reason string) string {
	if reason == "" {
		return "unknown"
	}
	return reason
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
