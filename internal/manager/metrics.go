package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	modelLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "histoxai",
			Name:      "model_loads_total",
			Help:      "Model load attempts by architecture and result.",
		},
		[]string{"model", "result"},
	)
	checkpointIssues = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "histoxai",
			Name:      "checkpoint_issues_total",
			Help:      "Checkpoint keys that were missing, mismatched or unexpected.",
		},
		[]string{"model", "kind"},
	)
	inferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "histoxai",
			Name:      "inference_duration_seconds",
			Help:      "Single-model classification latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model"},
	)
	explanationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "histoxai",
			Name:      "explanation_duration_seconds",
			Help:      "Explanation latency by model and method.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model", "method"},
	)
	predictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "histoxai",
			Name:      "predictions_total",
			Help:      "Predictions served by mode (single or ensemble).",
		},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(modelLoads, checkpointIssues, inferenceDuration, explanationDuration, predictions)
}
