package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"foreman/internal/telemetry"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestCountersRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := telemetry.NewMetricsFrom(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.TransitionAccepted(ctx, "INBOX", "ASSIGNED")
	m.TransitionAccepted(ctx, "INBOX", "ASSIGNED")
	m.TransitionRejected(ctx, "MISSING_ARTIFACT")
	m.Spend(ctx, "agent-1", 1.5)
	m.PolicyDecision(ctx, "tool", "DENY", "RED")

	data := collect(t, reader)
	accepted, ok := data["foreman.transitions.accepted"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, accepted.DataPoints, 1)
	assert.Equal(t, int64(2), accepted.DataPoints[0].Value)

	spend, ok := data["foreman.spend.usd"].(metricdata.Sum[float64])
	require.True(t, ok)
	assert.InDelta(t, 1.5, spend.DataPoints[0].Value, 1e-9)

	decisions, ok := data["foreman.policy.decisions"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, decisions.DataPoints, 1)
	action, ok := decisions.DataPoints[0].Attributes.Value(attribute.Key("action"))
	require.True(t, ok)
	assert.Equal(t, "tool", action.AsString())
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *telemetry.Metrics
	assert.NotPanics(t, func() {
		m.TransitionAccepted(context.Background(), "a", "b")
		m.Delivery(context.Background(), "webhook", false)
	})
}

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := telemetry.Setup(context.Background(), telemetry.ExportConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
