package policy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_evaluations_total",
			Help: "Policy engine evaluations by overall action",
		},
		[]string{"action"},
	)

	evaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "policy_evaluation_duration_seconds",
			Help:    "Wall time of full policy evaluations",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)

	violationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_violations_total",
			Help: "Failing policy results by kind and severity",
		},
		[]string{"kind", "severity"},
	)
)

func recordEvaluation(action Action, d time.Duration) {
	evaluationsTotal.WithLabelValues(string(action)).Inc()
	evaluationDuration.Observe(d.Seconds())
}

func recordViolation(kind Kind, severity Severity) {
	violationsTotal.WithLabelValues(string(kind), string(severity)).Inc()
}
