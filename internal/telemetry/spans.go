package telemetry

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "foreman"

// StartTransitionSpan starts a span for a transition request.
func StartTransitionSpan(ctx context.Context, taskID, to, actorType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "transition",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("transition.to", to),
			attribute.String("actor.type", actorType),
		),
	)
}

// StartApprovalSpan starts a span for an approval decision.
func StartApprovalSpan(ctx context.Context, approvalID, decision string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "approval",
		trace.WithAttributes(
			attribute.String("approval.id", approvalID),
			attribute.String("approval.decision", decision),
		),
	)
}

// StartSweepSpan starts a span for one scheduled sweep run.
func StartSweepSpan(ctx context.Context, job string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "sweep",
		trace.WithAttributes(attribute.String("sweep.job", job)),
	)
}

// HTTPMiddleware returns a chi-compatible middleware that creates spans for HTTP requests.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName)
	}
}
