package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/runwire/runwire/runtime"

// StartSpan opens a span on the global tracer provider. The returned func
// ends the span.
func StartSpan(ctx context.Context, name string, kvs ...attribute.KeyValue) (context.Context, func()) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(kvs...))
	return ctx, func() { span.End() }
}

// SpanIDs returns the active trace and span ids, empty strings when no span
// is recording. Executors stamp these onto persisted steps.
func SpanIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
