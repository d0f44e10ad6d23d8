// Package metrics provides Prometheus instrumentation for daymatch services.
// It exposes gauges for gateway connections and open conversations, counters
// for chat traffic and resolver activity, and matchmaker run statistics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "daymatch_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveChats tracks the current number of open conversations.
	ActiveChats = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "daymatch_active_chats",
		Help: "Current number of open conversations",
	})

	// MessagesTotal counts chat messages by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "daymatch_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"}) // type = "sent", "received", "duplicate", "rejected"

	// ReadReceiptsTotal counts receipts written by readers.
	ReadReceiptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "daymatch_read_receipts_total",
		Help: "Total number of read receipts recorded",
	})

	// ReconnectAttempts counts chat channel reconnect attempts by result.
	ReconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "daymatch_chat_reconnect_attempts_total",
		Help: "Chat channel reconnect attempts",
	}, []string{"result"}) // result = "scheduled", "exhausted"

	// PushNotifications counts push dispatch decisions.
	PushNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "daymatch_push_notifications_total",
		Help: "Push notification dispatch decisions",
	}, []string{"result"}) // result = "sent", "suppressed", "failed"

	// Resolutions counts match resolutions by trigger and outcome.
	Resolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "daymatch_match_resolutions_total",
		Help: "Match resolutions",
	}, []string{"trigger", "outcome"}) // outcome = "matched", "unmatched", "error"

	// SubscriptionErrors counts match subscription failures.
	SubscriptionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "daymatch_match_subscription_errors_total",
		Help: "Match change subscription failures",
	})

	// MatchRunDuration records how long a matchmaker run takes.
	MatchRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "daymatch_matchmaker_run_duration_seconds",
		Help:    "Duration of matchmaker runs",
		Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
	})

	// MatchRuns counts matchmaker runs by result.
	MatchRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "daymatch_matchmaker_runs_total",
		Help: "Matchmaker runs",
	}, []string{"result"}) // result = "success", "failure"

	// MatchLastRun exposes the statistics of the latest successful run.
	MatchLastRun = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "daymatch_matchmaker_last_run",
		Help: "Statistics of the latest matchmaker run",
	}, []string{"stat"}) // stat = "eligible", "pairs", "unmatched", "skipped"

	// RelayedChanges counts row changes forwarded from PostgreSQL to NATS.
	RelayedChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "daymatch_relay_changes_total",
		Help: "Row changes relayed to NATS",
	}, []string{"table", "result"}) // result = "published", "invalid", "failed"

	// RateLimited counts client actions rejected by the rate limiter.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "daymatch_rate_limited_total",
		Help: "Client actions rejected by rate limiting",
	}, []string{"action"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveChats,
		MessagesTotal,
		ReadReceiptsTotal,
		ReconnectAttempts,
		PushNotifications,
		Resolutions,
		SubscriptionErrors,
		MatchRunDuration,
		MatchRuns,
		MatchLastRun,
		RelayedChanges,
		RateLimited,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
