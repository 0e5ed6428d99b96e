package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		llmTokensIn,
		llmTokensOut,
		llmCallsLatency,
	)
}

var (
	llmTokensIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_in",
			Help: "Sum of prompt (input) tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	llmTokensOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_out",
			Help: "Sum of completion (output) tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	// inference is slow; buckets run into minutes
	llmCallsLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_call_duration_seconds",
			Help:    "Compute resource call latency in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120, 180, 300},
		},
		[]string{"provider", "model", "success"},
	)
)

func ObserveCompletion(provider, model string, tokensIn, tokensOut int, seconds float64, success bool) {
	lbl := []string{norm(provider), norm(model)}
	if success {
		llmTokensIn.WithLabelValues(lbl...).Add(float64(tokensIn))
		llmTokensOut.WithLabelValues(lbl...).Add(float64(tokensOut))
	}
	llmCallsLatency.WithLabelValues(norm(provider), norm(model), strconv.FormatBool(success)).
		Observe(seconds)
}
