package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		streamSessionsActive,
		streamEventsDelivered,
		streamEventsDropped,
		relayMessagesTotal,
	)
}

var (
	streamSessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_sessions_active",
			Help: "Open server-push connections by transport.",
		},
		[]string{"transport"}, // 'sse', 'ws'
	)

	streamEventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_events_delivered_total",
			Help: "Events handed to subscriber buffers, by event type.",
		},
		[]string{"type"},
	)

	// A full subscriber buffer drops the event (at-most-once delivery).
	streamEventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full.",
		},
		[]string{"type"},
	)

	relayMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_relay_messages_total",
			Help: "Events crossing the redis relay, by direction and result.",
		},
		[]string{"direction", "result"}, // direction: 'out', 'in'
	)
)

func IncStreamSessions(transport string, delta float64) {
	streamSessionsActive.WithLabelValues(norm(transport)).Add(delta)
}

func IncEventDelivered(eventType string) {
	streamEventsDelivered.WithLabelValues(eventType).Inc()
}

func IncEventDropped(eventType string) {
	streamEventsDropped.WithLabelValues(eventType).Inc()
}

func IncRelayMessage(direction, result string) {
	relayMessagesTotal.WithLabelValues(norm(direction), norm(result)).Inc()
}
