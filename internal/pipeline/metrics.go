package pipeline

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Metrics holds Prometheus metrics for pipeline runs.
//
// Metrics:
//   - healer_runs_total{status} - Count of finished runs by outcome
//   - healer_stage_duration_seconds{stage} - Histogram of stage durations
//   - healer_stage_failures_total{stage} - Count of run-fatal stage errors
//   - healer_signatures_recorded_total - Failure signatures added to the ledger
//   - healer_deliveries_total{result} - Notification deliveries by result
type Metrics struct {
	RunsTotal          *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	StageFailuresTotal *prometheus.CounterVec
	SignaturesTotal    prometheus.Counter
	DeliveriesTotal    *prometheus.CounterVec
}

// NewMetrics registers pipeline metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healer_runs_total",
				Help: "Total number of pipeline runs by outcome",
			},
			[]string{"status"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "healer_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			[]string{"stage"},
		),
		StageFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healer_stage_failures_total",
				Help: "Total number of run-fatal stage failures",
			},
			[]string{"stage"},
		),
		SignaturesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "healer_signatures_recorded_total",
				Help: "Total number of failure signatures added to the ledger",
			},
		),
		DeliveriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "healer_deliveries_total",
				Help: "Total number of notification deliveries by result",
			},
			[]string{"result"}, // "delivered", "gone", "failed"
		),
	}
}

// DefaultMetrics returns metrics registered once with the default registry.
func DefaultMetrics() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}
