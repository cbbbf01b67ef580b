// Package metrics exposes Prometheus collectors for the archiver service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlsTotal                *prometheus.CounterVec
	crawlDurationSeconds       *prometheus.HistogramVec
	mirrorBytesTotal           *prometheus.CounterVec
	liveCrawls                 prometheus.Gauge
	engineFaultsTotal          prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the Prometheus metrics collectors. Every recording
// helper calls it on demand, so callers never need to sequence an
// explicit Init before using the package; calling it from the
// composition root is harmless and keeps registration ahead of the
// first scrape.
func Init() {
	once.Do(func() {
		crawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "speculum_crawls_total",
				Help: "Total number of finished crawl dispatches, labeled by job kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		crawlDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "speculum_crawl_duration_seconds",
				Help:    "Histogram of crawl dispatch durations, labeled by job kind.",
				Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400},
			},
			[]string{"kind"},
		)

		mirrorBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "speculum_mirror_bytes_total",
				Help: "Total bytes written to mirrors by successful crawls, labeled by job kind.",
			},
			[]string{"kind"},
		)

		liveCrawls = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "speculum_live_crawls",
				Help: "Number of crawl jobs currently running.",
			},
		)

		engineFaultsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "speculum_engine_faults_total",
				Help: "Total engine-internal faults, such as registry write failures, distinct from crawl failures.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCrawl records one finished crawl dispatch.
func ObserveCrawl(kind, outcome string, duration time.Duration, bytes int64) {
	Init()
	crawlsTotal.WithLabelValues(kind, outcome).Inc()
	crawlDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
	if bytes > 0 {
		mirrorBytesTotal.WithLabelValues(kind).Add(float64(bytes))
	}
}

// ObserveEngineFault increments the engine-internal fault counter.
func ObserveEngineFault() {
	Init()
	engineFaultsTotal.Inc()
}

// IncLiveCrawls increments the live crawl gauge.
func IncLiveCrawls() {
	Init()
	liveCrawls.Inc()
}

// DecLiveCrawls decrements the live crawl gauge.
func DecLiveCrawls() {
	Init()
	liveCrawls.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
