// Package telemetry wires OpenTelemetry tracing for healer.
//
// Spans are exported over OTLP when telemetry is enabled. When it is
// disabled, or the exporter cannot be built, tracers fall back to the
// global no-op provider and the process keeps running.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/fyrsmithlabs/healer/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry owns the tracer provider and its shutdown.
type Telemetry struct {
	cfg            config.TelemetryConfig
	tracerProvider *sdktrace.TracerProvider

	healthy  atomic.Bool
	degraded atomic.Bool
	// lastErr is why the instance degraded, if it did.
	lastErr atomic.Value
}

// HealthStatus is the current telemetry health.
type HealthStatus struct {
	Healthy  bool
	Degraded bool
}

// Option configures New.
type Option func(*options)

type options struct {
	exporter sdktrace.SpanExporter
}

// WithExporter replaces the OTLP exporter.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// New validates cfg and installs a global tracer provider when telemetry is
// enabled. Exporter failures degrade the instance instead of failing.
func New(ctx context.Context, cfg config.TelemetryConfig, version string, opts ...Option) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	t := &Telemetry{cfg: cfg}
	t.healthy.Store(true)
	if !cfg.Enabled {
		return t, nil
	}

	tp, err := newTracerProvider(ctx, cfg, newResource(cfg, version), o.exporter)
	if err != nil {
		t.setDegraded(err)
		return t, nil
	}
	t.tracerProvider = tp
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// Tracer returns a tracer for the instrumentation scope. Without an active
// provider it returns the global one's.
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Shutdown flushes pending spans. It uses the configured timeout when ctx
// has no deadline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownTimeout.Duration())
		defer cancel()
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	t.healthy.Store(false)
	return errors.Join(errs...)
}

// ForceFlush exports all pending spans now.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil || t.tracerProvider == nil {
		return nil
	}
	if err := t.tracerProvider.ForceFlush(ctx); err != nil {
		return fmt.Errorf("trace flush: %w", err)
	}
	return nil
}

// Health returns the current telemetry health.
func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{Degraded: true}
	}
	return HealthStatus{Healthy: t.healthy.Load(), Degraded: t.degraded.Load()}
}

// IsEnabled reports whether spans are being exported.
func (t *Telemetry) IsEnabled() bool {
	return t != nil && t.tracerProvider != nil && t.healthy.Load()
}

// Err returns the error that degraded the instance, if any.
func (t *Telemetry) Err() error {
	if t == nil {
		return nil
	}
	err, _ := t.lastErr.Load().(error)
	return err
}

func (t *Telemetry) setDegraded(err error) {
	t.degraded.Store(true)
	t.lastErr.Store(err)
}
