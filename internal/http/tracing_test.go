package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/healer/internal/telemetry"
)

func TestTracingMiddleware_ContinuesCallerTrace(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	e := echo.New()
	e.Use(TracingMiddleware(tel.Tracer(instrumentationName), propagation.TraceContext{}))

	var handlerSpan trace.SpanContext
	e.POST("/analyze/", func(c echo.Context) error {
		handlerSpan = trace.SpanContextFromContext(c.Request().Context())
		return c.NoContent(http.StatusAccepted)
	})

	req := httptest.NewRequest(http.MethodPost, "/analyze/", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	span := tel.SpanByName("POST /analyze/")
	require.NotNil(t, span)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", span.SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", span.Parent().SpanID().String())
	assert.Equal(t, trace.SpanKindServer, span.SpanKind())
	assert.Equal(t, span.SpanContext().SpanID(), handlerSpan.SpanID())
	tel.AssertSpanAttribute(t, "POST /analyze/", "http.response.status_code", int64(http.StatusAccepted))
}

func TestTracingMiddleware_ServerErrorMarksSpan(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	e := echo.New()
	e.Use(TracingMiddleware(tel.Tracer(instrumentationName), propagation.TraceContext{}))
	e.GET("/boom", func(echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "down")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	span := tel.SpanByName("GET /boom")
	require.NotNil(t, span)
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.False(t, span.Parent().IsValid())
	tel.AssertSpanAttribute(t, "GET /boom", "http.response.status_code", int64(http.StatusServiceUnavailable))
}
