package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestTracerProviderLifecycle(t *testing.T) {
	tp, err := NewTracerProvider("modelrelay-test")
	if err != nil {
		t.Fatalf("NewTracerProvider: %v", err)
	}

	ctx, span := StartSpan(context.Background(), "test.operation")
	if !span.SpanContext().IsValid() {
		t.Error("expected a recording span from the installed provider")
	}
	AddEvent(ctx, "checkpoint", attribute.String("stage", "middle"))
	span.End()

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestTracerReturnsNamedTracer(t *testing.T) {
	if Tracer() == nil {
		t.Fatal("expected non-nil tracer")
	}
}
