// Package telemetry exposes Prometheus instrumentation for the decision
// pipeline. All metrics hang off a private registry so tests can build
// isolated instances.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all registered collectors for the service.
type Metrics struct {
	registry *prometheus.Registry

	SolveTotal      *prometheus.CounterVec
	SolveLatencyMS  *prometheus.HistogramVec
	FallbackTotal   prometheus.Counter
	BreakerState    prometheus.Gauge
	SafetyTier      prometheus.Gauge
	CanaryFraction  prometheus.Gauge
	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	LedgerAppends   prometheus.Counter
	LedgerAppendErr prometheus.Counter
	FeedConnected   prometheus.Gauge
	MetricAgeSec    prometheus.Gauge
	JobQueueDepth   prometheus.Gauge
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helmsman",
			Name:      "solve_total",
			Help:      "Solver invocations by variant and outcome",
		}, []string{"variant", "outcome"}),
		SolveLatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "helmsman",
			Name:      "solve_latency_ms",
			Help:      "Reported solve latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"variant"}),
		FallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "helmsman",
			Name:      "fallback_total",
			Help:      "Decisions that fell back to the classical solver",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "helmsman",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		}),
		SafetyTier: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "helmsman",
			Name:      "safety_tier",
			Help:      "Safety gate tier (0=normal, 1=soft_limit, 2=hard_halt, 3=emergency)",
		}),
		CanaryFraction: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "helmsman",
			Name:      "canary_fraction_pct",
			Help:      "Current canary capital fraction in percent",
		}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helmsman",
			Name:      "runs_total",
			Help:      "Backtest runs by terminal status",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "helmsman",
			Name:      "run_duration_seconds",
			Help:      "Wall time of completed backtest runs",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		LedgerAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "helmsman",
			Name:      "ledger_appends_total",
			Help:      "Run records appended to the ledger",
		}),
		LedgerAppendErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "helmsman",
			Name:      "ledger_append_errors_total",
			Help:      "Failed ledger append attempts",
		}),
		FeedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "helmsman",
			Name:      "metrics_feed_connected",
			Help:      "Whether the live metrics feed is connected (1) or not (0)",
		}),
		MetricAgeSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "helmsman",
			Name:      "metrics_feed_age_seconds",
			Help:      "Age of the most recent live metric sample",
		}),
		JobQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "helmsman",
			Name:      "job_queue_depth",
			Help:      "Backtest jobs queued and not yet started",
		}),
	}

	registry.MustRegister(
		m.SolveTotal,
		m.SolveLatencyMS,
		m.FallbackTotal,
		m.BreakerState,
		m.SafetyTier,
		m.CanaryFraction,
		m.RunsTotal,
		m.RunDuration,
		m.LedgerAppends,
		m.LedgerAppendErr,
		m.FeedConnected,
		m.MetricAgeSec,
		m.JobQueueDepth,
	)

	return m
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
