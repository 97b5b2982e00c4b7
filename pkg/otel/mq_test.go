package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestMQHeaderCarrier_PropagatesSpanContext(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := map[string]interface{}{}
	prop := propagation.TraceContext{}
	prop.Inject(ctx, NewMQHeaderCarrier(headers))

	if _, ok := headers["traceparent"]; !ok {
		t.Fatalf("traceparent not injected: %v", headers)
	}

	extracted := prop.Extract(context.Background(), NewMQHeaderCarrier(headers))
	got := trace.SpanContextFromContext(extracted)
	if got.TraceID() != span.SpanContext().TraceID() {
		t.Fatalf("trace id: got %s want %s", got.TraceID(), span.SpanContext().TraceID())
	}
}
