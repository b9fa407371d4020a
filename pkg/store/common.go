package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "go-offline"

func startSpan(ctx context.Context, system, op, key string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "store."+op)
	span.SetAttributes(
		attribute.String("db.system", system),
		attribute.String("db.operation", op),
		attribute.String("store.key", key),
	)
	return ctx, span
}

func addDBStatsToSpan(span trace.Span, statement string, valueSize int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("store.value_size", valueSize),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
