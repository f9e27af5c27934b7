package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce        sync.Once
	apiRequestsTotal    *prometheus.CounterVec
	apiLatencySeconds   *prometheus.HistogramVec
	apiErrorsTotal      *prometheus.CounterVec
	sourceFailuresTotal *prometheus.CounterVec
	sourceFetchSeconds  *prometheus.HistogramVec
	enrichmentOutcomes  *prometheus.CounterVec
	enrichmentSessions  prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used across the service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gravitas",
			Name:      "api_requests_total",
			Help:      "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gravitas",
			Name:      "api_latency_seconds",
			Help:      "Latency distribution for API requests.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 15.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gravitas",
			Name:      "api_errors_total",
			Help:      "Total number of error responses returned by API endpoints.",
		}, []string{"method", "route", "status"})

		sourceFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gravitas",
			Subsystem: "source",
			Name:      "failures_total",
			Help:      "Upstream portal failures by source and stage.",
		}, []string{"source", "stage"})

		sourceFetchSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gravitas",
			Subsystem: "source",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of a full assignment fetch per source.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"})

		enrichmentOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gravitas",
			Subsystem: "enrichment",
			Name:      "outcomes_total",
			Help:      "Enrichment results by outcome.",
		}, []string{"outcome"})

		enrichmentSessions = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gravitas",
			Subsystem: "enrichment",
			Name:      "sessions",
			Help:      "Live enrichment sessions.",
		})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			sourceFailuresTotal,
			sourceFetchSeconds,
			enrichmentOutcomes,
			enrichmentSessions,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// SourceFailures counts adapter failures labelled by source and stage.
func SourceFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return sourceFailuresTotal
}

// SourceFetchDuration observes whole-source fetch latency.
func SourceFetchDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return sourceFetchSeconds
}

// EnrichmentOutcomes counts analyzed, fallback, no_data and cached results.
func EnrichmentOutcomes() *prometheus.CounterVec {
	RegisterMetrics()
	return enrichmentOutcomes
}

// EnrichmentSessions tracks the size of the session registry.
func EnrichmentSessions() prometheus.Gauge {
	RegisterMetrics()
	return enrichmentSessions
}
