// Package metrics holds the Prometheus collectors exported by the echo server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	// ConnectionsActive tracks connections currently present in the registry
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "echocast_connections_active",
			Help: "Number of connections currently registered",
		},
	)

	// ConnectionsTotal counts accepted connections by transport (tcp/websocket)
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echocast_connections_total",
			Help: "Total accepted connections by transport",
		},
		[]string{"transport"},
	)

	// ConnectionsRejected counts connections that were refused before registration
	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echocast_connections_rejected_total",
			Help: "Total connections rejected before registration by reason",
		},
		[]string{"reason"},
	)
)

// Message metrics
var (
	// MessagesEchoed counts inbound lines echoed back to their sender
	MessagesEchoed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "echocast_messages_echoed_total",
			Help: "Total inbound lines echoed back to the originating connection",
		},
	)

	// MessagesDropped counts lines discarded by the rate limiter or a full send queue
	MessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "echocast_messages_dropped_total",
			Help: "Total lines discarded because of rate limiting or a full send queue",
		},
	)

	// Deliveries counts fan-out writes by source (operator/heartbeat/direct) and status
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echocast_deliveries_total",
			Help: "Total fan-out writes by source and status",
		},
		[]string{"source", "status"},
	)

	// BroadcastDuration tracks how long a complete fan-out takes
	BroadcastDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echocast_broadcast_duration_seconds",
			Help:    "Duration of a complete fan-out in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"source"},
	)

	// WriteRetries counts write attempts retried after a timeout
	WriteRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "echocast_write_retries_total",
			Help: "Total connection writes retried after a timeout",
		},
	)

	// HeartbeatTicks counts heartbeat ticks emitted by the scheduler
	HeartbeatTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "echocast_heartbeat_ticks_total",
			Help: "Total heartbeat ticks emitted",
		},
	)
)
