package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HandshakesStarted counts authorization flows begun.
	HandshakesStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokenkeeper_handshakes_started_total",
			Help: "The total number of authorization handshakes started.",
		},
	)

	// HandshakeRejections counts callbacks rejected for an unknown or
	// replayed state value.
	HandshakeRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokenkeeper_handshake_rejections_total",
			Help: "The total number of callbacks rejected due to an invalid state.",
		},
	)

	// AuthorizationsCompleted counts successful code exchanges.
	AuthorizationsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokenkeeper_authorizations_completed_total",
			Help: "The total number of authorization codes successfully exchanged.",
		},
	)

	// TokenRefreshes counts successful token refreshes.
	TokenRefreshes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokenkeeper_token_refreshes_total",
			Help: "The total number of tokens refreshed successfully.",
		},
	)

	// TokenRefreshFailures counts failed refreshes by outcome.
	TokenRefreshFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenkeeper_token_refresh_failures_total",
			Help: "The total number of failed token refreshes.",
		},
		[]string{"reason"}, // "transient" or "revoked"
	)

	// Logouts counts credential teardowns, voluntary or forced.
	Logouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokenkeeper_logouts_total",
			Help: "The total number of credentials torn down.",
		},
	)

	// JobsScheduled counts refresh jobs created.
	JobsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokenkeeper_jobs_scheduled_total",
			Help: "The total number of refresh jobs scheduled.",
		},
	)

	// JobsRescheduled counts refresh jobs moved to a new run time.
	JobsRescheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokenkeeper_jobs_rescheduled_total",
			Help: "The total number of refresh jobs rescheduled.",
		},
	)

	// JobsFired counts refresh callbacks dispatched.
	JobsFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokenkeeper_jobs_fired_total",
			Help: "The total number of refresh callbacks fired.",
		},
	)
)
