// Package metrics provides Prometheus metrics for the clustermap services.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	BuildDuration  prometheus.Histogram
	PointsIndexed  prometheus.Gauge
	InvalidPoints  prometheus.Counter
	QueryDuration  prometheus.Histogram
	QueryResults   prometheus.Histogram
	FramesRendered prometheus.Counter
	// Viewport updates replaced by a newer one before they were rendered
	FramesSuperseded prometheus.Counter
	FetchFailures    *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	RateLimited      prometheus.Counter
	IndexesLoaded    prometheus.Gauge
	IndexEvictions   prometheus.Counter
}

// New registers all collectors with reg. Pass prometheus.DefaultRegisterer
// in binaries and prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BuildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clustermap_build_duration_seconds",
			Help:    "Time taken to build a cluster index",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		PointsIndexed: f.NewGauge(prometheus.GaugeOpts{
			Name: "clustermap_points_indexed",
			Help: "Number of valid points in the active index",
		}),
		InvalidPoints: f.NewCounter(prometheus.CounterOpts{
			Name: "clustermap_invalid_points_total",
			Help: "Points skipped at build time",
		}),
		QueryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clustermap_query_duration_seconds",
			Help:    "Cluster query latency",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
		}),
		QueryResults: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clustermap_query_results",
			Help:    "Entities returned per cluster query",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		FramesRendered: f.NewCounter(prometheus.CounterOpts{
			Name: "clustermap_frames_rendered_total",
			Help: "Frames reconciled onto a surface",
		}),
		FramesSuperseded: f.NewCounter(prometheus.CounterOpts{
			Name: "clustermap_frames_superseded_total",
			Help: "Pending viewport updates replaced before rendering",
		}),
		FetchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clustermap_fetch_failures_total",
			Help: "Data source loads that failed",
		}, []string{"source"}), // source: points, details, basemap
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clustermap_http_requests_total",
			Help: "HTTP requests served",
		}, []string{"method", "route", "status"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "clustermap_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		IndexesLoaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "clustermap_indexes_loaded",
			Help: "Indexes held in memory by the runner",
		}),
		IndexEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "clustermap_index_evictions_total",
			Help: "Indexes dropped by the runner (LRU or idle)",
		}),
	}
}

// ObserveBuild records a finished build.
func (m *Metrics) ObserveBuild(d time.Duration, points, invalid int) {
	if m == nil {
		return
	}
	m.BuildDuration.Observe(d.Seconds())
	m.PointsIndexed.Set(float64(points))
	m.InvalidPoints.Add(float64(invalid))
}

// ObserveQuery records one cluster query.
func (m *Metrics) ObserveQuery(d time.Duration, results int) {
	if m == nil {
		return
	}
	m.QueryDuration.Observe(d.Seconds())
	m.QueryResults.Observe(float64(results))
}

func (m *Metrics) IncFramesRendered() {
	if m != nil {
		m.FramesRendered.Inc()
	}
}

func (m *Metrics) IncFramesSuperseded() {
	if m != nil {
		m.FramesSuperseded.Inc()
	}
}

func (m *Metrics) IncFetchFailure(source string) {
	if m != nil {
		m.FetchFailures.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) IncHTTPRequest(method, route, status string) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	}
}

func (m *Metrics) IncRateLimited() {
	if m != nil {
		m.RateLimited.Inc()
	}
}

func (m *Metrics) SetIndexesLoaded(n int) {
	if m != nil {
		m.IndexesLoaded.Set(float64(n))
	}
}

func (m *Metrics) IncIndexEvictions() {
	if m != nil {
		m.IndexEvictions.Inc()
	}
}
