package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gitSyncFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repoherd_git_sync_failed_total",
			Help: "Total number of failed git sync operations",
		},
		[]string{"repo"},
	)

	gitSyncCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "repoherd_git_sync_count_total",
			Help: "Total number of git sync operations",
		},
	)

	gitSyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repoherd_git_sync_duration_seconds",
			Help:    "Git sync duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1, 1.5, 2, 5, 10, 30, 60},
		},
		[]string{"repo"},
	)

	gitSyncChangedPaths = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repoherd_git_sync_changed_paths",
			Help:    "Changed paths detected per sync pass",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
		},
		[]string{"repo"},
	)

	lastGitSyncEnd = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "repoherd_last_git_sync_end_timestamp",
			Help: "Unix timestamp of when the last git sync ended",
		},
		[]string{"repo"},
	)
)

func GitSyncFailed(repo string) {
	gitSyncCount.Inc()
	gitSyncFailed.WithLabelValues(repo).Inc()
}

func GitSyncSucceeded(repo string, changedPaths int, startTime time.Time) {
	gitSyncCount.Inc()
	gitSyncDuration.WithLabelValues(repo).Observe(time.Since(startTime).Seconds())
	gitSyncChangedPaths.WithLabelValues(repo).Observe(float64(changedPaths))
	lastGitSyncEnd.WithLabelValues(repo).SetToCurrentTime()
}
