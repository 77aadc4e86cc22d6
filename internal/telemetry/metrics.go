package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ocmt"

// Registry is the collector registry every metric in this package
// registers against, separate from the default global registry so a
// container and an embedded relay running in the same process never
// collide on metric names.
var Registry = prometheus.NewRegistry()

var (
	// CapabilitiesIssued counts Issue calls by tier (cached, live).
	CapabilitiesIssued = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capability",
			Name:      "issued_total",
			Help:      "Total number of capabilities issued",
		},
		[]string{"tier"},
	)

	// CapabilitiesRevoked counts Revoke calls.
	CapabilitiesRevoked = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capability",
			Name:      "revoked_total",
			Help:      "Total number of capabilities revoked",
		},
	)

	// CapabilityExecutions counts Execute outcomes by result.
	CapabilityExecutions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capability",
			Name:      "executions_total",
			Help:      "Total number of capability executions",
		},
		[]string{"result"}, // success, scope_violation, revoked, expired, network_error
	)

	// CapabilityExecutionDuration tracks Execute latency including retries.
	CapabilityExecutionDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "capability",
			Name:      "execution_duration_seconds",
			Help:      "Capability execution duration in seconds, including retries",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"result"},
	)

	// ScopeViolations counts authorization checks that fail on scope.
	ScopeViolations = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capability",
			Name:      "scope_violations_total",
			Help:      "Total number of scope violations detected at authorization time",
		},
	)

	// SnapshotSyncs counts snapshot push/fetch attempts by direction and outcome.
	SnapshotSyncs = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "syncs_total",
			Help:      "Total number of snapshot sync attempts",
		},
		[]string{"direction", "outcome"}, // push/fetch, success/failure
	)

	// SessionUnlockAttempts counts vault unlock attempts by outcome.
	SessionUnlockAttempts = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "unlock_attempts_total",
			Help:      "Total number of vault unlock attempts",
		},
		[]string{"outcome"}, // success, invalid_password, locked
	)

	// SessionsActive tracks currently unlocked sessions.
	SessionsActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of currently unlocked sessions",
		},
	)

	// RevocationChecks counts local revocation lookups by result.
	RevocationChecks = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "revocation",
			Name:      "checks_total",
			Help:      "Total number of revocation checks performed",
		},
		[]string{"result"}, // revoked, clear
	)
)

// Handler returns the HTTP handler serving this package's metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartServer starts a standalone metrics HTTP server on addr, blocking
// until it errors or the process exits.
func StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
