// Package metrics exposes the broker's Prometheus instrumentation. The
// collectors register themselves on the default registry; the daemon serves
// them via promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smartsocket_connections_accepted_total",
		Help: "Total number of accepted WebSocket connections",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smartsocket_connections_rejected_total",
		Help: "Total number of rejected upgrade attempts",
	}, []string{"reason"}) // "max_connections", "unknown_namespace", "handshake_failed", "handshake_rate"

	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "smartsocket_connections_current",
		Help: "Number of currently open sockets",
	})

	FramesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smartsocket_frames_in_total",
		Help: "Total number of inbound frames by type",
	}, []string{"type"})

	FramesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smartsocket_frames_out_total",
		Help: "Total number of outbound frames by type",
	}, []string{"type"})

	FrameErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smartsocket_frame_errors_total",
		Help: "Total number of frames that failed to decode",
	}, []string{"code"})

	RateLimitDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smartsocket_rate_limit_denials_total",
		Help: "Total number of frames dropped by the rate limiter",
	})

	AckTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smartsocket_ack_timeouts_total",
		Help: "Total number of acknowledgements that timed out",
	})

	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smartsocket_broadcasts_total",
		Help: "Total number of fan-out emits by scope",
	}, []string{"scope"}) // "namespace", "room", "socket"

	DroppedQueueFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smartsocket_send_queue_dropped_total",
		Help: "Total number of outbound frames dropped because a socket send queue was full",
	})
)
