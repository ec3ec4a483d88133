// Package metrics provides Prometheus instrumentation for the chat server. It
// exposes gauges for connections and online identities, counters for message
// outcomes and liveness failures, and a histogram for persistence latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcome labels.
const (
	OutcomeDelivered          = "delivered"
	OutcomeDroppedAnonymous   = "dropped_anonymous"
	OutcomeDroppedBacklog     = "dropped_backlog"
	OutcomeDroppedMalformed   = "dropped_malformed"
	OutcomeDroppedPersistence = "dropped_persistence"
	OutcomeRateLimited        = "rate_limited"
	OutcomeRelayed            = "relayed"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket sessions.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "directchat_connections_total",
		Help: "Current number of live WebSocket sessions",
	})

	// OnlineUsers tracks the number of identities in the last presence snapshot.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "directchat_online_users",
		Help: "Number of identities with at least one live session",
	})

	// MessagesTotal counts inbound chat events by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "directchat_messages_total",
		Help: "Total number of chat events processed, by outcome",
	}, []string{"outcome"})

	// PushFailures counts failed best-effort pushes, labeled by payload kind:
	// "message" or "presence".
	PushFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "directchat_push_failures_total",
		Help: "Total number of failed pushes to live sessions",
	}, []string{"kind"})

	// HeartbeatTimeouts counts sessions terminated for a missed pong.
	HeartbeatTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "directchat_heartbeat_timeouts_total",
		Help: "Total number of sessions terminated by the liveness probe",
	})

	// PresenceBroadcasts counts presence snapshots sent out.
	PresenceBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "directchat_presence_broadcasts_total",
		Help: "Total number of presence broadcasts",
	})

	// HandshakeRejections counts connections that presented an unusable token.
	HandshakeRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "directchat_handshake_rejections_total",
		Help: "Total number of handshakes whose identity token was rejected",
	})

	// PersistLatency records message persistence latency in seconds.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "directchat_persist_latency_seconds",
		Help:    "Message persistence latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		PushFailures,
		HeartbeatTimeouts,
		PresenceBroadcasts,
		HandshakeRejections,
		PersistLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
