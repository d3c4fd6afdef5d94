// Package metrics provides Prometheus instrumentation for the API gateway.
// All metric collectors are registered via the Init function and exposed
// through the Handler for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts requests by route pattern, service, method and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"route", "service", "method", "status"},
	)

	// RequestDuration observes request latency in seconds by route and method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// ActiveRequests tracks the number of in-flight requests.
	ActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_requests",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// RateLimitHits counts rate limit rejections by route.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"route"},
	)

	// AuthDecisions counts auth gate outcomes (allow_public, allow_no_route,
	// allow_open_route, allow_token, deny_missing, deny_invalid).
	AuthDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_decisions_total",
			Help: "Total authentication gate decisions by outcome",
		},
		[]string{"outcome"},
	)

	// ForwardErrors counts forwarding failures by service and error kind.
	ForwardErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_forward_errors_total",
			Help: "Total forwarding failures by service and error kind",
		},
		[]string{"service", "kind"},
	)

	// BreakerState reports each service's circuit state (0 closed, 1 half-open, 2 open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per service (0=closed, 1=half-open, 2=open)",
		},
		[]string{"service"},
	)

	// BreakerRejections counts requests rejected without contacting the backend.
	BreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_rejections_total",
			Help: "Total requests rejected by an open circuit breaker or full bulkhead",
		},
		[]string{"service"},
	)

	// DiscoveryLookups counts service resolutions by provider and result
	// (hit, miss, empty, error).
	DiscoveryLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_discovery_lookups_total",
			Help: "Total service discovery lookups",
		},
		[]string{"provider", "result"},
	)

	// OutboundInFlight tracks outbound requests holding a connection slot.
	OutboundInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_outbound_in_flight",
			Help: "Outbound backend requests currently holding a pool slot",
		},
	)
)

var initOnce sync.Once

// Collectors returns every gateway collector, for registration on a
// custom registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		ActiveRequests,
		RateLimitHits,
		AuthDecisions,
		ForwardErrors,
		BreakerState,
		BreakerRejections,
		DiscoveryLookups,
		OutboundInFlight,
	}
}

// Init registers all metric collectors with the default Prometheus registry.
// Must be called at startup before handling requests; later calls are no-ops.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
