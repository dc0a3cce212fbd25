package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_connections_total",
			Help: "Total number of policy connections accepted",
		},
		[]string{"server"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "policyd_connections_current",
			Help: "Current number of open policy connections",
		},
		[]string{"server"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_connections_rejected_total",
			Help: "Connections refused by the connection limiter",
		},
		[]string{"server"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policyd_connection_duration_seconds",
			Help:    "Duration of policy connections in seconds",
			Buckets: []float64{0.01, 0.1, 1, 10, 60, 300, 900, 1800},
		},
		[]string{"server"},
	)

	ConnectionTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_connection_timeouts_total",
			Help: "Connections closed by the idle or session timeout",
		},
		[]string{"server", "reason"},
	)

	SessionTerminations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_session_terminations_total",
			Help: "Policy sessions ended, by termination reason",
		},
		[]string{"server", "reason"},
	)
)

// Request metrics
var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_requests_total",
			Help: "Policy requests answered, by action verb",
		},
		[]string{"server", "action"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policyd_request_duration_seconds",
			Help:    "Time from a complete request to its flushed response",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"server"},
	)

	HandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_handler_errors_total",
			Help: "Policy handler failures",
		},
		[]string{"server"},
	)
)

// Access engine metrics
var (
	AccessLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_access_lookups_total",
			Help: "Access table lookups, by check kind and result (match, miss, error)",
		},
		[]string{"kind", "result"},
	)

	AccessDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_access_decisions_total",
			Help: "Final access decisions, by action verb and deciding check kind",
		},
		[]string{"action", "kind"},
	)

	RulesTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "policyd_rules_total",
			Help: "Access rules in the store, by kind",
		},
		[]string{"kind"},
	)
)

// Database performance metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "driver"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policyd_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "driver"},
	)

	DBPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "policyd_db_pool_connections",
			Help: "Database pool connections by state (total, idle, acquired)",
		},
		[]string{"state"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "policyd_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_circuit_breaker_failures_total",
			Help: "Failures recorded by a circuit breaker",
		},
		[]string{"name"},
	)
)

// Decision cache metrics
var (
	DecisionCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policyd_decision_cache_hits_total",
			Help: "Total number of decision cache hits",
		},
	)

	DecisionCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policyd_decision_cache_misses_total",
			Help: "Total number of decision cache misses",
		},
	)

	DecisionCacheEntriesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "policyd_decision_cache_entries_total",
			Help: "Current number of entries in the decision cache",
		},
	)

	DecisionCacheSharedFetchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policyd_decision_cache_shared_fetches_total",
			Help: "Lookups served by another in-flight fetch of the same key",
		},
	)
)

// Health metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "policyd_component_health_status",
			Help: "Component health (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policyd_component_health_check_duration_seconds",
			Help:    "Duration of component health checks",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
		},
		[]string{"component"},
	)
)

// HTTP API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyd_http_requests_total",
			Help: "HTTP API requests, by route and status code",
		},
		[]string{"route", "method", "status"},
	)
)
