// Package metrics exposes the pipeline's operational counters in the
// standard prometheus wire format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns every collector on a private registry, so tests and embedded
// instances never collide on the global default registry.
type Metrics struct {
	registry *prometheus.Registry

	PhaseTransitions *prometheus.CounterVec
	JobsProcessed    *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	PagesScraped     *prometheus.CounterVec
	ContentAnalyzed  prometheus.Counter
	ActiveRuns       prometheus.Gauge
	ProviderLatency  *prometheus.HistogramVec
}

// New builds and registers the full collector set.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketvane",
			Name:      "phase_transitions_total",
			Help:      "Pipeline phase status transitions.",
		}, []string{"phase", "status"}),

		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketvane",
			Name:      "jobs_processed_total",
			Help:      "Queue jobs by type and outcome.",
		}, []string{"job_type", "outcome"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "marketvane",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per service (0 closed, 1 half-open, 2 open).",
		}, []string{"service"}),

		PagesScraped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketvane",
			Name:      "pages_scraped_total",
			Help:      "Scrape attempts by terminal status.",
		}, []string{"status"}),

		ContentAnalyzed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketvane",
			Name:      "content_analyzed_total",
			Help:      "Pages that completed AI analysis.",
		}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketvane",
			Name:      "active_runs",
			Help:      "Pipeline runs currently executing.",
		}),

		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "marketvane",
			Name:      "provider_request_seconds",
			Help:      "Latency of outbound provider calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider"}),
	}

	m.registry.MustRegister(
		m.PhaseTransitions,
		m.JobsProcessed,
		m.BreakerState,
		m.PagesScraped,
		m.ContentAnalyzed,
		m.ActiveRuns,
		m.ProviderLatency,
	)
	return m
}

// Handler serves the registry for the API's /metrics route.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBreaker maps a breaker state name onto the numeric gauge.
func (m *Metrics) ObserveBreaker(service, state string) {
	var v float64
	switch state {
	case "open":
		v = 2
	case "half_open":
		v = 1
	}
	m.BreakerState.WithLabelValues(service).Set(v)
}
