package http

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics holds the ingress metrics.
type HTTPMetrics struct {
	requestsTotal  *prometheus.CounterVec
	requestDur     *prometheus.HistogramVec
	activeRequests prometheus.Gauge
}

// NewHTTPMetrics registers the ingress metrics with reg.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	f := promauto.With(reg)
	return &HTTPMetrics{
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "healer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		requestDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "healer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"method", "route"}),
		activeRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "healer",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Requests currently being served.",
		}),
	}
}

// MetricsMiddleware returns an Echo middleware that records HTTP metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			m.activeRequests.Inc()
			defer m.activeRequests.Dec()

			err := next(c)

			// Errors are rendered after the middleware chain; take the
			// status from the HTTP error when there is one.
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := normalizePath(c.Path())
			method := c.Request().Method
			m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.requestDur.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// normalizePath keeps route templates as labels. Unmatched requests share
// one label so scanners cannot blow up cardinality.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
