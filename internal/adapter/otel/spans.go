package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "parley"

// StartTaskSpan starts a span covering one task lifecycle operation.
func StartTaskSpan(ctx context.Context, op, taskID, contextID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, op,
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("context.id", contextID),
		),
	)
}

// StartPushSpan starts a span for one webhook delivery attempt.
func StartPushSpan(ctx context.Context, taskID, url string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "push",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("push.url", url),
		),
	)
}
