package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache outcome label values for request metrics.
const (
	CacheOutcomeHit    = "hit"
	CacheOutcomeMiss   = "miss"
	CacheOutcomeBypass = "bypass"
	CacheOutcomeStale  = "stale"
)

// Metrics holds all Prometheus metrics for the gateway. It owns a
// private registry so tests can create isolated instances.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	responseSize       *prometheus.HistogramVec
	activeRequests     *prometheus.GaugeVec
	backendHealth      *prometheus.GaugeVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	rateLimitHits      *prometheus.CounterVec
	cacheOperations    *prometheus.CounterVec
	cacheEvictions     prometheus.Counter
	cacheEntries       prometheus.Gauge
	cacheInvalidations *prometheus.CounterVec
	retryAttempts      *prometheus.CounterVec
	fallbacks          *prometheus.CounterVec
	panicsRecovered    prometheus.Counter
	auditEvents        *prometheus.CounterVec
	buildInfo          *prometheus.GaugeVec
	startTime          prometheus.Gauge
	registry           *prometheus.Registry
}

// NewMetrics creates a Metrics instance under the given namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of dispatched requests",
		},
		[]string{"method", "route", "status", "cache"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "route", "status"},
	)

	m.responseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_size_bytes",
			Help:      "Response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "route"},
	)

	m.activeRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of requests currently in flight",
		},
		[]string{"method"},
	)

	m.backendHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_health",
			Help:      "Backend host health (1=healthy, 0=unhealthy)",
		},
		[]string{"backend", "host"},
	)

	m.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"route"},
	)

	m.breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"route", "from", "to"},
	)

	m.rateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate-limited requests",
		},
		[]string{"route"},
	)

	m.cacheOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	m.cacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of evicted cache entries",
		},
	)

	m.cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Current number of live cache entries",
		},
	)

	m.cacheInvalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Cache entries removed by invalidation, by trigger",
		},
		[]string{"trigger"},
	)

	m.retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of backend retry attempts",
		},
		[]string{"route"},
	)

	m.fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Fallback responses served, by strategy",
		},
		[]string{"route", "strategy"},
	)

	m.panicsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_recovered_total",
			Help:      "Panics recovered at the dispatcher boundary",
		},
	)

	m.auditEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Control-plane audit events by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the gateway",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the gateway in unix seconds",
		},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.responseSize,
		m.activeRequests,
		m.backendHealth,
		m.breakerState,
		m.breakerTransitions,
		m.rateLimitHits,
		m.cacheOperations,
		m.cacheEvictions,
		m.cacheEntries,
		m.cacheInvalidations,
		m.retryAttempts,
		m.fallbacks,
		m.panicsRecovered,
		m.auditEvents,
		m.buildInfo,
		m.startTime,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(
		collectors.ProcessCollectorOpts{},
	))

	m.startTime.SetToCurrentTime()

	return m
}

// RecordRequest records a completed request. The route parameter must be
// the matched route name, not the raw path, to keep cardinality bounded.
func (m *Metrics) RecordRequest(
	method, route string,
	status int,
	duration time.Duration,
	respSize int64,
	cacheOutcome string,
) {
	statusStr := strconv.Itoa(status)

	m.requestsTotal.WithLabelValues(method, route, statusStr, cacheOutcome).Inc()
	m.requestDuration.WithLabelValues(method, route, statusStr).Observe(duration.Seconds())
	m.responseSize.WithLabelValues(method, route).Observe(float64(respSize))
}

// IncActiveRequests increments the in-flight gauge.
func (m *Metrics) IncActiveRequests(method string) {
	m.activeRequests.WithLabelValues(method).Inc()
}

// DecActiveRequests decrements the in-flight gauge.
func (m *Metrics) DecActiveRequests(method string) {
	m.activeRequests.WithLabelValues(method).Dec()
}

// SetBackendHealth records a backend host's health.
func (m *Metrics) SetBackendHealth(backend, host string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.backendHealth.WithLabelValues(backend, host).Set(value)
}

// SetBreakerState records a circuit breaker's current state.
func (m *Metrics) SetBreakerState(route string, state int) {
	m.breakerState.WithLabelValues(route).Set(float64(state))
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(route, from, to string) {
	m.breakerTransitions.WithLabelValues(route, from, to).Inc()
}

// RecordRateLimitHit records a denied request for a route.
func (m *Metrics) RecordRateLimitHit(route string) {
	m.rateLimitHits.WithLabelValues(route).Inc()
}

// RecordCacheOutcome records a cache lookup outcome.
func (m *Metrics) RecordCacheOutcome(outcome string) {
	m.cacheOperations.WithLabelValues(outcome).Inc()
}

// RecordCacheEvictions adds to the eviction counter.
func (m *Metrics) RecordCacheEvictions(n int) {
	m.cacheEvictions.Add(float64(n))
}

// SetCacheEntries records the live entry count.
func (m *Metrics) SetCacheEntries(n int) {
	m.cacheEntries.Set(float64(n))
}

// RecordCacheInvalidations records entries removed by one invalidation.
func (m *Metrics) RecordCacheInvalidations(trigger string, n int) {
	if n <= 0 {
		return
	}
	m.cacheInvalidations.WithLabelValues(trigger).Add(float64(n))
}

// RecordRetryAttempt records one backend retry for a route.
func (m *Metrics) RecordRetryAttempt(route string) {
	m.retryAttempts.WithLabelValues(route).Inc()
}

// RecordFallback records a fallback response served for a route.
func (m *Metrics) RecordFallback(route, strategy string) {
	m.fallbacks.WithLabelValues(route, strategy).Inc()
}

// RecordPanicRecovered counts a recovered dispatcher panic.
func (m *Metrics) RecordPanicRecovered() {
	m.panicsRecovered.Inc()
}

// RecordAuditEvent counts a control-plane audit event.
func (m *Metrics) RecordAuditEvent(action, outcome string) {
	m.auditEvents.WithLabelValues(action, outcome).Inc()
}

// SetBuildInfo records the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the backing Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
