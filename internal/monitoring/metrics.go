package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the retrieval engine.
type Metrics struct {
	registry *prometheus.Registry

	// Search cascade metrics
	SearchTotal      *prometheus.CounterVec
	SearchDuration   *prometheus.HistogramVec
	SearchRejected   prometheus.Counter
	StageFallthrough *prometheus.CounterVec

	// Content extraction metrics
	FetchTotal    *prometheus.CounterVec
	FetchDuration prometheus.Histogram
	FetchBytes    prometheus.Histogram

	// Clone cache metrics
	CloneTotal     *prometheus.CounterVec
	CloneCacheHits prometheus.Counter
	CloneDuration  prometheus.Histogram
}

// NewMetrics creates a metrics collector backed by its own registry,
// so multiple instances can coexist in tests.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		SearchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webaccess_search_total",
				Help: "Search attempts by final stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		SearchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webaccess_search_duration_seconds",
				Help:    "Search duration by stage",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		SearchRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "webaccess_search_rate_limited_total",
				Help: "Searches rejected by the admission window",
			},
		),
		StageFallthrough: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webaccess_search_fallthrough_total",
				Help: "Cascade fallthroughs by source stage and failure class",
			},
			[]string{"stage", "class"},
		),

		FetchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webaccess_fetch_total",
				Help: "Content extractions by outcome",
			},
			[]string{"outcome"},
		),
		FetchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webaccess_fetch_duration_seconds",
				Help:    "Fetch and extraction duration",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		FetchBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webaccess_fetch_response_bytes",
				Help:    "Fetched response body size",
				Buckets: []float64{1024, 10240, 102400, 1048576, 10485760},
			},
		),

		CloneTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webaccess_clone_total",
				Help: "Repository clones by outcome",
			},
			[]string{"outcome"},
		),
		CloneCacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "webaccess_clone_cache_hits_total",
				Help: "Clone requests served from an existing cache entry",
			},
		),
		CloneDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webaccess_clone_duration_seconds",
				Help:    "Repository clone duration",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),
	}
}

// Registry exposes the underlying registry for scrape handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSearch records one finished search attempt.
func (m *Metrics) ObserveSearch(stage, outcome string, elapsed time.Duration) {
	m.SearchTotal.WithLabelValues(stage, outcome).Inc()
	m.SearchDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// ObserveFetch records one finished extraction.
func (m *Metrics) ObserveFetch(outcome string, elapsed time.Duration, bytes int) {
	m.FetchTotal.WithLabelValues(outcome).Inc()
	m.FetchDuration.Observe(elapsed.Seconds())
	if bytes > 0 {
		m.FetchBytes.Observe(float64(bytes))
	}
}

// ObserveClone records one finished clone attempt.
func (m *Metrics) ObserveClone(outcome string, elapsed time.Duration) {
	m.CloneTotal.WithLabelValues(outcome).Inc()
	m.CloneDuration.Observe(elapsed.Seconds())
}
