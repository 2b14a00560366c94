package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()))
	}

	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}
	if sig := SignatureFromContext(ctx); sig != "" {
		fields = append(fields, zap.String("failure.signature", sig))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

type runCtxKey struct{}
type signatureCtxKey struct{}
type requestCtxKey struct{}

const (
	maxIDLen        = 128
	maxSignatureLen = 256
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validateID validates a run or request ID.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// RunIDFromContext extracts the pipeline run ID from context.
func RunIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(runCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithRunID adds the pipeline run ID to context.
// Panics if runID is empty or contains invalid characters.
func WithRunID(ctx context.Context, runID string) context.Context {
	if err := validateID(runID, "runID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// SignatureFromContext extracts the failure signature being processed.
func SignatureFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(signatureCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithSignature adds the failure signature to context. Signatures come from
// log content, so invalid ones are dropped instead of panicking.
func WithSignature(ctx context.Context, sig string) context.Context {
	if sig == "" || len(sig) > maxSignatureLen || !utf8.ValidString(sig) {
		return ctx
	}
	return context.WithValue(ctx, signatureCtxKey{}, sig)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRequestID adds request ID to context.
// Panics if requestID is empty or contains invalid characters.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if err := validateID(requestID, "requestID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// WithOptionalRequestID adds requestID when it is a valid ID and returns ctx
// unchanged otherwise. Use it for IDs supplied by clients.
func WithOptionalRequestID(ctx context.Context, requestID string) context.Context {
	if validateID(requestID, "requestID") != nil {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
