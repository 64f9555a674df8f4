package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobPassFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repoherd_job_pass_failed_total",
			Help: "Number of job passes that ended in a terminal failure",
		},
		[]string{"repo", "error_kind"},
	)

	jobPassCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "repoherd_job_pass_count_total",
			Help: "Total number of completed job passes",
		},
	)

	jobPassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repoherd_job_pass_duration_seconds",
			Help:    "Job pass duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 1.5, 2, 5, 10, 30, 60, 120},
		},
		[]string{"repo"},
	)

	jobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repoherd_job_retries_total",
			Help: "Number of retry attempts scheduled by jobs",
		},
		[]string{"repo"},
	)
)

func JobPassSucceeded(repo string, startTime time.Time) {
	jobPassCount.Inc()
	jobPassDuration.WithLabelValues(repo).Observe(time.Since(startTime).Seconds())
}

func JobPassFailed(repo string, errorKind string) {
	jobPassCount.Inc()
	jobPassFailed.WithLabelValues(repo, errorKind).Inc()
}

func JobRetryScheduled(repo string) {
	jobRetries.WithLabelValues(repo).Inc()
}
