package gatherly

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatherly_reconnect_attempts_total",
			Help: "Total scheduled reconnect attempts",
		},
	)

	ConnectionStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gatherly_connection_state",
			Help: "1 for the current connection state, 0 otherwise",
		},
		[]string{"state"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatherly_frames_dropped_total",
			Help: "Inbound frames dropped before dispatch",
		},
		[]string{"reason"}, // "malformed" or "unknown"
	)

	// Queue metrics
	MutationsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatherly_mutations_enqueued_total",
			Help: "Total mutations persisted to the offline queue",
		},
	)

	MutationReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatherly_mutation_replays_total",
			Help: "Mutation replay outcomes",
		},
		[]string{"result"}, // "ok", "retry", "failed"
	)

	DrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatherly_queue_drain_duration_seconds",
			Help:    "Duration of a full queue drain pass",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// Presence / cache metrics
	PresenceEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatherly_presence_evictions_total",
			Help: "Presence entries physically evicted by expiry timers",
		},
		[]string{"kind"}, // "typing" or "online"
	)

	CacheTrimmed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatherly_cache_trimmed_items_total",
			Help: "Cached messages removed by periodic trimming",
		},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatherly_events_dropped_total",
			Help: "Bus events dropped because a subscriber was full",
		},
		[]string{"kind"},
	)
)

func setConnectionStateGauge(s ConnectionState) {
	for _, st := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateReconnecting} {
		v := 0.0
		if st == s {
			v = 1
		}
		ConnectionStateGauge.WithLabelValues(string(st)).Set(v)
	}
}
