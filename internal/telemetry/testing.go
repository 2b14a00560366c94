package telemetry

import (
	"testing"

	"github.com/fyrsmithlabs/healer/internal/config"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records spans in memory. It does not touch the global
// provider, so tests pass its Tracer to the code under test.
type TestTelemetry struct {
	*Telemetry
	SpanRecorder *tracetest.SpanRecorder
}

// NewTestTelemetry creates telemetry backed by a span recorder.
func NewTestTelemetry() *TestTelemetry {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t := &Telemetry{cfg: config.TelemetryConfig{Enabled: true}, tracerProvider: tp}
	t.healthy.Store(true)
	return &TestTelemetry{Telemetry: t, SpanRecorder: rec}
}

// Spans returns all ended spans.
func (t *TestTelemetry) Spans() []sdktrace.ReadOnlySpan {
	return t.SpanRecorder.Ended()
}

// SpanByName finds the first ended span with name, or nil.
func (t *TestTelemetry) SpanByName(name string) sdktrace.ReadOnlySpan {
	for _, span := range t.Spans() {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

// SpanNames lists ended spans in end order.
func (t *TestTelemetry) SpanNames() []string {
	spans := t.Spans()
	names := make([]string, len(spans))
	for i, span := range spans {
		names[i] = span.Name()
	}
	return names
}

// AssertSpanExists verifies a span with the given name ended.
func (t *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	if t.SpanByName(name) == nil {
		tb.Errorf("expected span %q not found, got: %v", name, t.SpanNames())
	}
}

// AssertSpanAttribute verifies a span carries key with the expected value.
func (t *TestTelemetry) AssertSpanAttribute(tb testing.TB, spanName, key string, expected any) {
	tb.Helper()
	span := t.SpanByName(spanName)
	if span == nil {
		tb.Fatalf("span %q not found", spanName)
	}
	for _, attr := range span.Attributes() {
		if string(attr.Key) == key {
			if got := attr.Value.AsInterface(); got != expected {
				tb.Errorf("span %q attribute %q: got %v, want %v", spanName, key, got, expected)
			}
			return
		}
	}
	tb.Errorf("span %q missing attribute %q", spanName, key)
}

// AssertSpanError verifies a span ended with an error status.
func (t *TestTelemetry) AssertSpanError(tb testing.TB, spanName string) {
	tb.Helper()
	span := t.SpanByName(spanName)
	if span == nil {
		tb.Fatalf("span %q not found", spanName)
	}
	if span.Status().Code != codes.Error {
		tb.Errorf("span %q status: got %v, want Error", spanName, span.Status().Code)
	}
}

// AssertChildOf verifies child's parent is parent.
func (t *TestTelemetry) AssertChildOf(tb testing.TB, child, parent string) {
	tb.Helper()
	c, p := t.SpanByName(child), t.SpanByName(parent)
	if c == nil || p == nil {
		tb.Fatalf("spans %q and %q must both exist, got: %v", child, parent, t.SpanNames())
	}
	if c.Parent().SpanID() != p.SpanContext().SpanID() {
		tb.Errorf("span %q is not a child of %q", child, parent)
	}
}
