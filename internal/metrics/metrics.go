// Package metrics exposes Prometheus collectors for the crawler.
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
	crawlOutcomesTotal            *prometheus.CounterVec
	crawlBytesTotal               *prometheus.CounterVec
	fetchDurationSeconds          *prometheus.HistogramVec
	cacheLookupsTotal             *prometheus.CounterVec
	cacheFilesTotal               *prometheus.CounterVec
	claimConflictsTotal           prometheus.Counter
	activeWorkers                 prometheus.Gauge
	rateLimitDelaysSeconds        *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	robotsFetchFailuresTotal      *prometheus.CounterVec
	browseModeReconciliationTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recrawler_crawl_outcomes_total",
				Help: "Crawl cycle outcomes, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recrawler_bytes_total",
				Help: "Total number of page bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recrawler_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by transport.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"transport"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recrawler_cache_lookups_total",
				Help: "Asset cache lookups, labeled by result (hit, miss, refresh).",
			},
			[]string{"result"},
		)

		cacheFilesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recrawler_cache_files_total",
				Help: "Snapshot files written or removed.",
			},
			[]string{"op"},
		)

		claimConflictsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "recrawler_claim_conflicts_total",
				Help: "Claims lost to another worker.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "recrawler_active_workers",
				Help: "Number of workers currently processing a document.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recrawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recrawler_http_requests_total",
				Help: "Total number of ops HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recrawler_http_request_duration_seconds",
				Help:    "Histogram of ops HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		robotsFetchFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recrawler_robots_fetch_failures_total",
				Help: "robots.txt fetches that failed and fell back to allow-all.",
			},
			[]string{"site"},
		)

		browseModeReconciliationTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recrawler_browse_mode_reconciliations_total",
				Help: "Domains pinned to a browse mode after detection.",
			},
			[]string{"mode"},
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

// ObserveCrawl records the outcome of one crawl cycle.
func ObserveCrawl(site, outcome string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlOutcomesTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesFetched > 0 {
		crawlBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveFetch records the latency of one fetch.
func ObserveFetch(transport string, duration time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(transport).Observe(duration.Seconds())
}

// ObserveCacheLookup records a cache freshness decision.
func ObserveCacheLookup(result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveCacheFile records a snapshot file write or removal.
func ObserveCacheFile(op string) {
	Init()
	cacheFilesTotal.WithLabelValues(op).Inc()
}

// ObserveClaimConflict counts a lost claim race.
func ObserveClaimConflict() {
	Init()
	claimConflictsTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the ops HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRobotsFailure counts a robots.txt fetch failure for site.
func ObserveRobotsFailure(site string) {
	Init()
	robotsFetchFailuresTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveBrowseModeReconciled counts a domain pinned to mode.
func ObserveBrowseModeReconciled(mode string) {
	Init()
	browseModeReconciliationTotal.WithLabelValues(mode).Inc()
}
