package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		queueDepth,
		queueInFlight,
		queueEstimatedWait,
	)
}

var (
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Jobs waiting for a dispatch slot.",
		},
	)

	queueInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_in_flight",
			Help: "Jobs currently being processed by the compute resource.",
		},
	)

	queueEstimatedWait = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_estimated_wait_seconds",
			Help: "Estimated wait for a newly admitted job.",
		},
	)
)

func SetQueueStats(depth, inFlight int, estimatedWaitSeconds float64) {
	queueDepth.Set(float64(depth))
	queueInFlight.Set(float64(inFlight))
	queueEstimatedWait.Set(estimatedWaitSeconds)
}
