// Package telemetry exposes the daemon's Prometheus collectors. All
// counters are process-wide; the ops HTTP server serves them on /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsTotal counts accepted controller connections.
	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ceqpd_sessions_total",
		Help: "Accepted controller sessions.",
	})

	// SessionsActive tracks the current session count (0 or 1; a new
	// controller displaces the old one).
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ceqpd_sessions_active",
		Help: "Currently active controller sessions.",
	})

	// FramesIn counts request frames by message type.
	FramesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ceqpd_frames_in_total",
		Help: "Request frames received, by message type.",
	}, []string{"type"})

	// FramesOut counts response frames by message type.
	FramesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ceqpd_frames_out_total",
		Help: "Response frames sent, by message type.",
	}, []string{"type"})

	// ErrorFrames counts ERROR_RESP frames by wire error code.
	ErrorFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ceqpd_error_frames_total",
		Help: "Error response frames sent, by wire error code.",
	}, []string{"code"})

	// TargetBytesRead counts bytes read from the target process.
	TargetBytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ceqpd_target_bytes_read_total",
		Help: "Bytes read from the target process.",
	})

	// TargetBytesWritten counts bytes written into the target process.
	TargetBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ceqpd_target_bytes_written_total",
		Help: "Bytes written into the target process.",
	})

	// Heartbeats counts heartbeat requests served.
	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ceqpd_heartbeats_total",
		Help: "Heartbeat requests served.",
	})

	// RateLimited counts requests delayed by the per-session limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ceqpd_rate_limited_total",
		Help: "Requests delayed by the per-session rate limiter.",
	})
)
