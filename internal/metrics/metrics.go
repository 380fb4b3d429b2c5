// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scrapeItemsTotal           *prometheus.CounterVec
	sourceRunsTotal            *prometheus.CounterVec
	activeSources              prometheus.Gauge
	rateLimitWaitSeconds       *prometheus.HistogramVec
	assetBytesTotal            *prometheus.CounterVec
	pipelineRowsTotal          *prometheus.CounterVec
	pipelineMutationsTotal     *prometheus.CounterVec
	pipelineWatermarkSeconds   *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapeItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_scrape_items_total",
				Help: "Captured items, labeled by domain, kind (post|asset) and outcome.",
			},
			[]string{"domain", "kind", "outcome"},
		)

		sourceRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_source_runs_total",
				Help: "Finished source tasks, labeled by terminal state and reason.",
			},
			[]string{"state", "reason"},
		)

		activeSources = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_sources",
				Help: "Number of source tasks currently running.",
			},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_wait_seconds",
				Help:    "Histogram of time spent waiting for a per-host request slot.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		assetBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_asset_bytes_total",
				Help: "Bytes of asset content written, labeled by domain.",
			},
			[]string{"domain"},
		)

		pipelineRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pipeline_rows_total",
				Help: "Raw rows handled by the ingestion pipeline, labeled by domain and outcome.",
			},
			[]string{"domain", "outcome"},
		)

		pipelineMutationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pipeline_mutations_total",
				Help: "Canonical rows changed by upserts, labeled by domain and kind.",
			},
			[]string{"domain", "kind"},
		)

		pipelineWatermarkSeconds = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_pipeline_watermark_seconds",
				Help: "Unix time of the per-domain ingestion watermark.",
			},
			[]string{"domain"},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem counts one captured post or asset.
func ObserveItem(domain, kind, outcome string) {
	Init()
	scrapeItemsTotal.WithLabelValues(SanitizeSite(domain), kind, outcome).Inc()
}

// ObserveSourceRun counts a finished source task.
func ObserveSourceRun(state, reason string) {
	Init()
	sourceRunsTotal.WithLabelValues(state, reason).Inc()
}

// IncActiveSources increments the running source gauge.
func IncActiveSources() {
	Init()
	activeSources.Inc()
}

// DecActiveSources decrements the running source gauge.
func DecActiveSources() {
	Init()
	activeSources.Dec()
}

// ObserveRateLimitWait records the duration of a rate limit wait.
func ObserveRateLimitWait(host string, duration time.Duration) {
	Init()
	rateLimitWaitSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveAssetBytes adds written asset bytes for domain.
func ObserveAssetBytes(domain string, n int64) {
	if n <= 0 {
		return
	}
	Init()
	assetBytesTotal.WithLabelValues(SanitizeSite(domain)).Add(float64(n))
}

// ObserveBatch records one pipeline batch.
func ObserveBatch(domain string, processed, skipped, failed, postMutations, assetMutations int, watermark time.Time) {
	Init()
	pipelineRowsTotal.WithLabelValues(domain, "processed").Add(float64(processed))
	pipelineRowsTotal.WithLabelValues(domain, "skipped").Add(float64(skipped))
	pipelineRowsTotal.WithLabelValues(domain, "failed").Add(float64(failed))
	pipelineMutationsTotal.WithLabelValues(domain, "post").Add(float64(postMutations))
	pipelineMutationsTotal.WithLabelValues(domain, "asset").Add(float64(assetMutations))
	if !watermark.IsZero() {
		pipelineWatermarkSeconds.WithLabelValues(domain).Set(float64(watermark.Unix()))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
