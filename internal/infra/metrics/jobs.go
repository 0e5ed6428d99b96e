package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		jobsAdmittedTotal,
		jobsRejectedTotal,
		jobsProcessedTotal,
		jobDurationSeconds,
	)
}

var (
	jobsAdmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_admitted_total",
			Help: "Jobs accepted into the queue, labeled by entry mode.",
		},
		[]string{"mode"}, // 'async', 'ask'
	)

	jobsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_rejected_total",
			Help: "Submissions declined at admission, labeled by reason.",
		},
		[]string{"reason"}, // 'validation', 'auth', 'busy', 'rate_limited'
	)

	jobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Total number of jobs that reached a terminal state.",
		},
		[]string{"status", "category"}, // status: 'completed', 'failed'
	)

	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Time from dispatch to terminal state.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 180, 300},
		},
		[]string{"status"},
	)
)

func IncJobAdmitted(mode string) {
	jobsAdmittedTotal.WithLabelValues(norm(mode)).Inc()
}

func IncJobRejected(reason string) {
	jobsRejectedTotal.WithLabelValues(norm(reason)).Inc()
}

func ObserveJobFinished(status, category string, seconds float64) {
	jobsProcessedTotal.WithLabelValues(norm(status), norm(category)).Inc()
	jobDurationSeconds.WithLabelValues(norm(status)).Observe(seconds)
}
