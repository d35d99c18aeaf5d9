package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the signaling and control-arbitration server.
//
// Naming convention: namespace_subsystem_name
// - namespace: portalbot (application-level grouping)
// - subsystem: websocket, space, control (feature-level grouping)
//
// Metric Types:
// - Gauge: current state (connections, spaces, participants, queue depth)
// - Counter: cumulative events (messages processed, grants, denials)
// - Histogram: latency distributions (handler processing time)

var (
	// ActiveConnections tracks the current number of live WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "portalbot",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveSpaces tracks the current number of spaces with at least one member.
	ActiveSpaces = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "portalbot",
		Subsystem: "space",
		Name:      "spaces_active",
		Help:      "Current number of active spaces",
	})

	// SpaceParticipants tracks the number of members in each active space.
	SpaceParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "portalbot",
		Subsystem: "space",
		Name:      "participants_count",
		Help:      "Number of participants in each space",
	}, []string{"space_id"})

	// WebsocketEvents tracks the total number of WebSocket events processed.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portalbot",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent in message handlers.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "portalbot",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// ControlGrants counts control lease grants.
	ControlGrants = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "portalbot",
		Subsystem: "control",
		Name:      "grants_total",
		Help:      "Total control lease grants",
	})

	// ControlDenials counts rejected control operations by reason.
	ControlDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portalbot",
		Subsystem: "control",
		Name:      "denials_total",
		Help:      "Total rejected control operations",
	}, []string{"reason"})

	// ControlQueueDepth tracks the number of waiters per space queue.
	ControlQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "portalbot",
		Subsystem: "control",
		Name:      "queue_depth",
		Help:      "Number of humans waiting for the control lease per space",
	}, []string{"space_id"})

	// RateLimitExceeded counts rejected requests by endpoint and limit type.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portalbot",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by rate limiting",
	}, []string{"endpoint", "limit_type"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
