package masterjob

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type negotiatorMetrics struct {
	state       metric.Int64ObservableGauge
	transitions metric.Int64Counter
}

func newNegotiatorMetrics(logger pslog.Logger, n *Negotiator) *negotiatorMetrics {
	meter := otel.Meter("pkt.systems/taskd/masterjob")
	m := &negotiatorMetrics{}
	var err error

	m.transitions, err = meter.Int64Counter(
		"taskd.masterjob.transition",
		metric.WithDescription("Master negotiation state transitions"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "taskd.masterjob.transition", "error", err)
	}

	m.state, err = meter.Int64ObservableGauge(
		"taskd.masterjob.active",
		metric.WithDescription("1 while this instance is the active master"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "taskd.masterjob.active", "error", err)
		return m
	}
	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		var v int64
		if n.IsActive() {
			v = 1
		}
		o.ObserveInt64(m.state, v, metric.WithAttributes(attribute.String("taskd.masterjob.originator", n.cfg.OriginatorID)))
		return nil
	}, m.state); err != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "taskd.masterjob.active", "error", err)
	}
	return m
}

func (m *negotiatorMetrics) recordTransition(ctx context.Context, from, to State) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("taskd.masterjob.from", from.String()),
		attribute.String("taskd.masterjob.to", to.String()),
	))
}
