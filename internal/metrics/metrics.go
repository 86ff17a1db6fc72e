// Package metrics exposes Prometheus collectors for the annotator service.
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
	frameChecksTotal           *prometheus.CounterVec
	proxyFetchesTotal          *prometheus.CounterVec
	proxyBytesTotal            *prometheus.CounterVec
	headlessPromotionsTotal    prometheus.Counter
	annotationSavesTotal       *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	fetchTLSRetriesTotal       prometheus.Counter
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		frameChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annotator_frame_checks_total",
				Help: "Embeddability probes, labeled by site and classification.",
			},
			[]string{"site", "classification"},
		)

		proxyFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annotator_proxy_fetches_total",
				Help: "Proxy page requests, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		proxyBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annotator_proxy_bytes_total",
				Help: "Bytes of rewritten HTML served by the proxy, labeled by site.",
			},
			[]string{"site"},
		)

		headlessPromotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "annotator_headless_promotions_total",
				Help: "Proxied pages re-rendered in a headless browser.",
			},
		)

		annotationSavesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annotator_saves_total",
				Help: "Annotation upserts, labeled by result.",
			},
			[]string{"result"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"method", "route"},
		)

		fetchTLSRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "annotator_fetch_tls_retries_total",
				Help: "Upstream requests retried after a TLS handshake timeout.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "annotator_rate_limit_delays_seconds",
				Help:    "Histogram of upstream rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"domain"},
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

// ObserveFrameCheck counts a probe classification.
func ObserveFrameCheck(site, classification string) {
	Init()
	frameChecksTotal.WithLabelValues(SanitizeSite(site), classification).Inc()
}

// ObserveProxyFetch counts a proxy request and the bytes it served.
func ObserveProxyFetch(site, outcome string, bytesServed int) {
	Init()
	host := SanitizeSite(site)
	proxyFetchesTotal.WithLabelValues(host, outcome).Inc()
	if bytesServed > 0 {
		proxyBytesTotal.WithLabelValues(host).Add(float64(bytesServed))
	}
}

// ObserveHeadlessPromotion counts a headless re-render.
func ObserveHeadlessPromotion() {
	Init()
	headlessPromotionsTotal.Inc()
}

// ObserveSave counts an annotation upsert by result (ok, conflict, error).
func ObserveSave(result string) {
	Init()
	annotationSavesTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveTLSRetry counts an upstream TLS handshake retry.
func ObserveTLSRetry() {
	Init()
	fetchTLSRetriesTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
