package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "foreman"

// Metrics holds the governance instruments.
type Metrics struct {
	Transitions       metric.Int64Counter
	Rejections        metric.Int64Counter
	ApprovalsOpened   metric.Int64Counter
	ApprovalsResolved metric.Int64Counter
	PolicyDecisions   metric.Int64Counter
	SpendUSD          metric.Float64Counter
	Deliveries        metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFrom(otel.GetMeterProvider())
}

func NewMetricsFrom(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Transitions, err = meter.Int64Counter("foreman.transitions.accepted",
		metric.WithDescription("Number of accepted task transitions"))
	if err != nil {
		return nil, err
	}

	m.Rejections, err = meter.Int64Counter("foreman.transitions.rejected",
		metric.WithDescription("Number of rejected transition requests by code"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsOpened, err = meter.Int64Counter("foreman.approvals.opened",
		metric.WithDescription("Number of approvals requested"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsResolved, err = meter.Int64Counter("foreman.approvals.resolved",
		metric.WithDescription("Number of approvals resolved by outcome"))
	if err != nil {
		return nil, err
	}

	m.PolicyDecisions, err = meter.Int64Counter("foreman.policy.decisions",
		metric.WithDescription("Number of policy evaluations by verdict"))
	if err != nil {
		return nil, err
	}

	m.SpendUSD, err = meter.Float64Counter("foreman.spend.usd",
		metric.WithDescription("Committed agent spend in USD"))
	if err != nil {
		return nil, err
	}

	m.Deliveries, err = meter.Int64Counter("foreman.notify.deliveries",
		metric.WithDescription("Number of outbox deliveries by sink and result"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// The helpers below tolerate a nil receiver so callers can run without metrics.

func (m *Metrics) TransitionAccepted(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("from", from), attribute.String("to", to)))
}

func (m *Metrics) TransitionRejected(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.Rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (m *Metrics) ApprovalOpened(ctx context.Context, risk string) {
	if m == nil {
		return
	}
	m.ApprovalsOpened.Add(ctx, 1, metric.WithAttributes(attribute.String("risk", risk)))
}

func (m *Metrics) ApprovalResolved(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.ApprovalsResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) PolicyDecision(ctx context.Context, action, verdict, risk string) {
	if m == nil {
		return
	}
	m.PolicyDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("verdict", verdict),
		attribute.String("risk", risk),
	))
}

func (m *Metrics) Spend(ctx context.Context, agentID string, amount float64) {
	if m == nil || amount == 0 {
		return
	}
	m.SpendUSD.Add(ctx, amount, metric.WithAttributes(attribute.String("agent.id", agentID)))
}

func (m *Metrics) Delivery(ctx context.Context, sink string, ok bool) {
	if m == nil {
		return
	}
	m.Deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink), attribute.Bool("ok", ok)))
}
