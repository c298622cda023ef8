// Package monitoring collects Prometheus metrics for the execution engine.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Process metrics
	ProcessesLive prometheus.Gauge

	// Cancellation metrics
	Cancellations prometheus.Counter

	// Prompt metrics
	PromptsForwarded prometheus.Counter

	// Authentication metrics
	AuthAttempts prometheus.Counter
}

// NewMetrics creates a metrics collector registered on the default
// registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates a metrics collector on an explicit registerer so
// tests can build isolated instances.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_executions_total",
				Help: "Total number of command executions",
			},
			[]string{"mode", "status"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_execution_duration_seconds",
				Help:    "Command execution duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"mode"},
		),
		ProcessesLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_processes_live",
				Help: "Number of live managed processes",
			},
		),
		Cancellations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "engine_cancellations_total",
				Help: "Total number of user-requested cancellations",
			},
		),
		PromptsForwarded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "engine_prompts_forwarded_total",
				Help: "Total number of subprocess prompts forwarded to the user",
			},
		),
		AuthAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "engine_auth_attempts_total",
				Help: "Total number of elevation credential validation attempts",
			},
		),
	}
}

// ObserveExecution records one finished execution.
func (m *Metrics) ObserveExecution(mode, status string, d time.Duration) {
	m.ExecutionsTotal.WithLabelValues(mode, status).Inc()
	m.ExecutionDuration.WithLabelValues(mode).Observe(d.Seconds())
}
