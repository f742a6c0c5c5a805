// Package metrics exposes Prometheus collectors for the comparison service.
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
	scansTotal                 *prometheus.CounterVec
	probesTotal                *prometheus.CounterVec
	checkDurationSeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeScans                prometheus.Gauge
	streamSubscribers          prometheus.Gauge
	runsTotal                  *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scansTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageparity_scans_total",
				Help: "Total number of scans finished, labeled by terminal status.",
			},
			[]string{"status"},
		)

		probesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageparity_probes_total",
				Help: "Total number of page probes, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		checkDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pageparity_check_duration_seconds",
				Help:    "Histogram of heavy check durations, labeled by check.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"check"},
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

		activeScans = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pageparity_active_scans",
				Help: "Number of scans currently inside the pipeline.",
			},
		)

		streamSubscribers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pageparity_stream_subscribers",
				Help: "Number of connected SSE subscribers.",
			},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageparity_runs_total",
				Help: "Total number of runs completed, labeled by run type.",
			},
			[]string{"type"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "https://" + rawURL
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

// ObserveScan counts one finished scan.
func ObserveScan(status string) {
	scansTotal.WithLabelValues(status).Inc()
}

// ObserveProbe counts one side of a page probe.
func ObserveProbe(site string, outcome string) {
	probesTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
}

// ObserveCheck records one heavy check's duration.
func ObserveCheck(check string, duration time.Duration) {
	checkDurationSeconds.WithLabelValues(check).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRun counts one completed run.
func ObserveRun(runType string) {
	runsTotal.WithLabelValues(runType).Inc()
}

// IncActiveScans increments the active scans gauge.
func IncActiveScans() {
	activeScans.Inc()
}

// DecActiveScans decrements the active scans gauge.
func DecActiveScans() {
	activeScans.Dec()
}

// IncStreamSubscribers increments the SSE subscriber gauge.
func IncStreamSubscribers() {
	streamSubscribers.Inc()
}

// DecStreamSubscribers decrements the SSE subscriber gauge.
func DecStreamSubscribers() {
	streamSubscribers.Dec()
}
