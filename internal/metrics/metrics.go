// Package metrics provides Prometheus instrumentation for the orchestrator.
// All metric collectors are registered via the Init function and exposed
// through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts routed requests by endpoint, method, and HTTP status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_requests_total",
			Help: "Total HTTP requests routed",
		},
		[]string{"endpoint", "method", "status"},
	)

	// RequestDuration observes routed request latency in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_request_duration_seconds",
			Help:    "Routed request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// ActiveConnections tracks the number of in-flight proxied requests.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_active_connections",
			Help: "Number of in-flight requests currently being proxied",
		},
	)

	// CircuitBreakerState exposes the current breaker state per endpoint
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"endpoint"},
	)

	// CircuitBreakerTransitions counts breaker state changes by endpoint.
	CircuitBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"endpoint", "from", "to"},
	)

	// CircuitBreakerRejections counts calls rejected without reaching the backend.
	CircuitBreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_circuit_breaker_rejections_total",
			Help: "Total calls rejected by an open or saturated circuit breaker",
		},
		[]string{"endpoint"},
	)

	// FallbacksTotal counts fallback responses served by strategy.
	FallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_fallbacks_total",
			Help: "Total fallback responses served while circuits were open",
		},
		[]string{"endpoint", "strategy"},
	)

	// HealthChecksTotal counts health probe outcomes by endpoint and result.
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_health_checks_total",
			Help: "Total health check probes by result (healthy/unhealthy)",
		},
		[]string{"endpoint", "result"},
	)

	// HealthCheckDuration observes health probe latency in seconds.
	HealthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_health_check_duration_seconds",
			Help:    "Health check probe latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// RegisteredEndpoints tracks the number of registered endpoints by status.
	RegisteredEndpoints = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_registered_endpoints",
			Help: "Number of registered endpoints by status",
		},
		[]string{"status"},
	)

	// RateLimitHits counts rate limit rejections.
	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ActiveConnections,
		CircuitBreakerState,
		CircuitBreakerTransitions,
		CircuitBreakerRejections,
		FallbacksTotal,
		HealthChecksTotal,
		HealthCheckDuration,
		RegisteredEndpoints,
		RateLimitHits,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
