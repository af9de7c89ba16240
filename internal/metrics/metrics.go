// Package metrics exposes Prometheus collectors for the registrar service.
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
	registrationsTotal            *prometheus.CounterVec
	responseHeaderBytes           *prometheus.HistogramVec
	registrationDelaySeconds      *prometheus.HistogramVec
	redirectsTotal                *prometheus.CounterVec
	admissionRejectionsTotal      *prometheus.CounterVec
	debugReportsTotal             *prometheus.CounterVec
	passDurationSeconds           prometheus.Histogram
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	fetchRateLimitDelaysSeconds   *prometheus.HistogramVec
	enrollmentCacheLookupsTotal   *prometheus.CounterVec
	notificationsTotal            *prometheus.CounterVec
	debugReportsExportedTotal     prometheus.Counter
	registrationsProcessedPerPass prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		registrationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_registrations_total",
				Help: "Registration fetches processed, labeled by type, surface and outcome.",
			},
			[]string{"type", "surface", "response_status", "entity_status"},
		)

		responseHeaderBytes = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "registrar_response_header_bytes",
				Help:    "Size of registration response headers in bytes.",
				Buckets: prometheus.ExponentialBuckets(64, 2, 10),
			},
			[]string{"type", "surface"},
		)

		registrationDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "registrar_registration_delay_seconds",
				Help:    "Time between a registration being queued and being processed.",
				Buckets: []float64{0.1, 1, 5, 30, 60, 300, 900, 3600, 86400},
			},
			[]string{"type"},
		)

		redirectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_redirects_total",
				Help: "Redirect targets announced by registration responses, labeled by kind.",
			},
			[]string{"kind"},
		)

		admissionRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_admission_rejections_total",
				Help: "Entities rejected by privacy-budget admission, labeled by entity and reason.",
			},
			[]string{"entity", "reason"},
		)

		debugReportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_debug_reports_total",
				Help: "Debug reports scheduled, labeled by report type.",
			},
			[]string{"type"},
		)

		passDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "registrar_pass_duration_seconds",
				Help:    "Wall time of one queue runner pass.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
		)

		registrationsProcessedPerPass = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "registrar_pass_registrations",
				Help:    "Registrations processed in one queue runner pass.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
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

		fetchRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "registrar_fetch_rate_limit_delays_seconds",
				Help:    "Histogram of per-origin fetch throttle waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"origin"},
		)

		enrollmentCacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_enrollment_cache_lookups_total",
				Help: "Enrollment cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_notifications_total",
				Help: "Change notifications sent, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		debugReportsExportedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "registrar_debug_reports_exported_total",
				Help: "Debug reports written to blob storage.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
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

// ObserveRegistration records the outcome and header size of one fetch.
func ObserveRegistration(
	kind, surface, responseStatus, entityStatus string,
	headerBytes int64,
	delay time.Duration,
) {
	Init()
	registrationsTotal.WithLabelValues(kind, surface, responseStatus, entityStatus).Inc()
	responseHeaderBytes.WithLabelValues(kind, surface).Observe(float64(headerBytes))
	if delay > 0 {
		registrationDelaySeconds.WithLabelValues(kind).Observe(delay.Seconds())
	}
}

// ObserveRedirects counts announced redirect targets.
func ObserveRedirects(kind string, n int) {
	Init()
	if n > 0 {
		redirectsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveAdmissionRejection counts an entity refused by admission control.
func ObserveAdmissionRejection(entity, reason string) {
	Init()
	admissionRejectionsTotal.WithLabelValues(entity, reason).Inc()
}

// ObserveDebugReport counts a scheduled debug report.
func ObserveDebugReport(reportType string) {
	Init()
	debugReportsTotal.WithLabelValues(reportType).Inc()
}

// ObserveDebugReportsExported counts exported debug reports.
func ObserveDebugReportsExported(n int) {
	Init()
	debugReportsExportedTotal.Add(float64(n))
}

// ObservePass records one runner pass.
func ObservePass(processed int, duration time.Duration) {
	Init()
	passDurationSeconds.Observe(duration.Seconds())
	registrationsProcessedPerPass.Observe(float64(processed))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a fetch throttle wait.
func ObserveRateLimitDelay(origin string, duration time.Duration) {
	Init()
	fetchRateLimitDelaysSeconds.WithLabelValues(origin).Observe(duration.Seconds())
}

// ObserveEnrollmentCacheLookup records a cache hit, miss or error.
func ObserveEnrollmentCacheLookup(result string) {
	Init()
	enrollmentCacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveNotification records a change notification outcome.
func ObserveNotification(kind, outcome string) {
	Init()
	notificationsTotal.WithLabelValues(kind, outcome).Inc()
}
