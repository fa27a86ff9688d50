package taskrouter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskrouter_step_executions_total",
		Help: "Step executions by type and outcome.",
	}, []string{"type", "outcome"})

	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskrouter_step_duration_seconds",
		Help:    "Step execution duration including retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	pollAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskrouter_poll_attempt_duration_seconds",
		Help:    "Duration of individual poll condition checks.",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	})
)

func recordStep(stepType string, success, skipped bool, elapsed time.Duration) {
	outcome := "failure"
	switch {
	case skipped:
		outcome = "skipped"
	case success:
		outcome = "success"
	}
	stepExecutions.WithLabelValues(stepType, outcome).Inc()
	stepDuration.WithLabelValues(stepType).Observe(elapsed.Seconds())
}

func recordPollAttempt(elapsed time.Duration) {
	pollAttempts.Observe(elapsed.Seconds())
}
