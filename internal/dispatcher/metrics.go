package dispatcher

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type outcome string

const (
	outcomeAcked        outcome = "acked"
	outcomeRetried      outcome = "retried"
	outcomeRequeued     outcome = "requeued"
	outcomeDeadlettered outcome = "deadlettered"
	outcomeUnresolved   outcome = "unresolved"
	outcomeThrottled    outcome = "throttled"
)

type dispatchMetrics struct {
	outcomes metric.Int64Counter
}

func newDispatchMetrics(logger pslog.Logger) *dispatchMetrics {
	meter := otel.Meter("pkt.systems/taskd/dispatcher")
	outcomes, err := meter.Int64Counter(
		"taskd.dispatch.outcome",
		metric.WithDescription("Message settlement outcomes"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "taskd.dispatch.outcome", "error", err)
		return nil
	}
	return &dispatchMetrics{outcomes: outcomes}
}

func (m *dispatchMetrics) record(ctx context.Context, o outcome) {
	if m == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("taskd.dispatch.outcome", string(o))))
}
