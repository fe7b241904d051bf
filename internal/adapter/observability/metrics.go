// Package observability provides logging, metrics, tracing, and the
// resilience primitives (circuit breaker, alert rules) layered over them.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// CollectRequestsTotal counts collector queries by action, granularity,
	// and outcome (hit_l1/hit_l2/hit_l3/upstream/error), spec §4.4.
	CollectRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collect_requests_total",
			Help: "Total number of collector queries by action, granularity and outcome",
		},
		[]string{"action", "granularity", "outcome"},
	)
	// CollectDuration records end-to-end query latency by action.
	CollectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collect_duration_seconds",
			Help:    "Collector query duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"action"},
	)
	// UpstreamCallsTotal counts dispatcher calls by action and outcome.
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_calls_total",
			Help: "Total upstream dispatcher calls by action and outcome",
		},
		[]string{"action", "outcome"},
	)
	// UpstreamPressure is a gauge of dispatcher pressure stats (spec §4.2).
	UpstreamPressure = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "upstream_pressure",
			Help: "Dispatcher pressure gauge (inflight, waiting)",
		},
		[]string{"kind"},
	)

	// CacheEventsTotal counts cache hits/misses by tier (l1/l2/l3/miss).
	CacheEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_events_total",
			Help: "Total cache lookups by outcome tier",
		},
		[]string{"tier"},
	)

	// CrawlJobsTotal counts backfill job-queue transitions by status.
	CrawlJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_jobs_total",
			Help: "Total crawl job-queue transitions by status",
		},
		[]string{"status"},
	)
	// CrawlSubtasksProcessing gauges subtasks currently claimed/running.
	CrawlSubtasksProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawl_subtasks_processing",
			Help: "Number of crawl subtasks currently claimed",
		},
	)

	// CircuitBreakerStatus tracks circuit breaker state (0=closed,1=open,2=half-open).
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service"},
	)

	// AlertsFiringTotal counts alert rule firing/resolved transitions.
	AlertsFiringTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_firing_total",
			Help: "Total alert rule transitions",
		},
		[]string{"rule", "transition"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(CollectRequestsTotal)
	prometheus.MustRegister(CollectDuration)
	prometheus.MustRegister(UpstreamCallsTotal)
	prometheus.MustRegister(UpstreamPressure)
	prometheus.MustRegister(CacheEventsTotal)
	prometheus.MustRegister(CrawlJobsTotal)
	prometheus.MustRegister(CrawlSubtasksProcessing)
	prometheus.MustRegister(CircuitBreakerStatus)
	prometheus.MustRegister(AlertsFiringTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordCircuitBreakerStatus records circuit breaker state for a named
// upstream dependency.
func RecordCircuitBreakerStatus(service string, status int) {
	CircuitBreakerStatus.WithLabelValues(service).Set(float64(status))
}

// RecordCacheEvent increments the cache-event counter for one tier outcome:
// "l1", "l2", "l3", or "miss" (spec §4.1, §4.4).
func RecordCacheEvent(tier string) {
	CacheEventsTotal.WithLabelValues(tier).Inc()
}

// RecordUpstreamCall records a dispatcher call outcome: "success", "timeout",
// or "error" (spec §4.2, §4.4).
func RecordUpstreamCall(action, outcome string) {
	UpstreamCallsTotal.WithLabelValues(action, outcome).Inc()
}

// RecordUpstreamPressure publishes the dispatcher's current pressure gauge.
func RecordUpstreamPressure(inflight, waiting int) {
	UpstreamPressure.WithLabelValues("inflight").Set(float64(inflight))
	UpstreamPressure.WithLabelValues("waiting").Set(float64(waiting))
}

// RecordCrawlJobTransition increments the job-queue status counter.
func RecordCrawlJobTransition(status string) {
	CrawlJobsTotal.WithLabelValues(status).Inc()
}

// RecordAlertTransition increments the alert-rule transition counter:
// transition is "firing" or "resolved".
func RecordAlertTransition(rule, transition string) {
	AlertsFiringTotal.WithLabelValues(rule, transition).Inc()
}
