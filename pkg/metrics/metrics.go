package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tinysip_connection_state",
			Help: "1 for the push channel's current state, 0 for the others",
		},
		[]string{"state"},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tinysip_reconnect_attempts_total",
			Help: "Push channel reconnect attempts",
		},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinysip_frames_dropped_total",
			Help: "Inbound frames dropped before dispatch",
		},
		[]string{"reason"},
	)

	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinysip_events_dispatched_total",
			Help: "Events dispatched by the router by kind",
		},
		[]string{"kind"},
	)

	HandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinysip_handler_failures_total",
			Help: "Event handlers that returned an error or panicked",
		},
		[]string{"kind"},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinysip_messages_sent_total",
			Help: "Optimistic sends by outcome",
		},
		[]string{"outcome"},
	)

	CallTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinysip_call_transitions_total",
			Help: "Applied call state transitions by target state",
		},
		[]string{"state"},
	)

	StateConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tinysip_call_state_conflicts_total",
			Help: "Remote call transitions ignored as unreachable",
		},
	)

	SnapshotsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinysip_snapshots_delivered_total",
			Help: "Dashboard snapshots delivered by transport mode",
		},
		[]string{"mode"},
	)

	SnapshotFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinysip_snapshot_failures_total",
			Help: "Dashboard delivery failures by transport mode",
		},
		[]string{"mode"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tinysip_request_duration_seconds",
			Help:    "Request API latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "outcome"},
	)
)

// SetConnectionState marks state as current in the ConnectionState gauge.
func SetConnectionState(state string, all []string) {
	for _, s := range all {
		if s == state {
			ConnectionState.WithLabelValues(s).Set(1)
		} else {
			ConnectionState.WithLabelValues(s).Set(0)
		}
	}
}
