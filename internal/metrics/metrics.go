// Package metrics exposes Prometheus counters for the chat core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentroom_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route", "status"},
	)

	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentroom_messages_appended_total",
			Help: "Total messages persisted",
		},
		[]string{"kind"}, // "message" or "log"
	)

	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentroom_broadcasts_total",
			Help: "Total frames handed to a hub actor",
		},
		[]string{"hub"}, // "room" or "lobby"
	)

	SocketSendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentroom_socket_send_failures_total",
			Help: "Sockets dropped during fan-out",
		},
		[]string{"reason"}, // "write_error" or "slow_consumer"
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentroom_rate_limit_rejections_total",
			Help: "Requests rejected by a rate limit policy",
		},
		[]string{"policy"},
	)

	ReviewResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentroom_review_resolutions_total",
			Help: "Approval reviews that left pending",
		},
		[]string{"status"},
	)

	UnfurlFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentroom_unfurl_fetches_total",
			Help: "Link preview lookups",
		},
		[]string{"result"}, // "hit", "miss" or "error"
	)

	LiveSockets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentroom_live_sockets",
			Help: "Currently registered WebSocket connections",
		},
	)
)
