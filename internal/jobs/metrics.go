package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "keypulse"

var (
	jobQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "queue_size",
			Help:      "Number of jobs in the queue by status",
		},
		[]string{"status"},
	)

	jobsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "claimed_total",
			Help:      "Total jobs claimed from the queue",
		},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Total jobs processed by outcome",
		},
		[]string{"outcome"},
	)

	batchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "batch_duration_seconds",
			Help:      "Time to process one claimed batch",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
)

// recordJobsClaimed records how many jobs a tick claimed.
func recordJobsClaimed(count int) {
	jobsClaimed.Add(float64(count))
}

// recordJobOutcome records a processed job's outcome.
func recordJobOutcome(outcome string) {
	jobsProcessed.WithLabelValues(outcome).Inc()
}

// recordBatchDuration records how long one claimed batch took.
func recordBatchDuration(duration time.Duration) {
	batchDuration.Observe(duration.Seconds())
}

// RecordQueueStats updates queue depth metrics.
func RecordQueueStats(stats *QueueStats) {
	jobQueueSize.WithLabelValues("pending").Set(float64(stats.Pending))
	jobQueueSize.WithLabelValues("claimed").Set(float64(stats.Claimed))
	jobQueueSize.WithLabelValues("completed").Set(float64(stats.Completed))
	jobQueueSize.WithLabelValues("failed").Set(float64(stats.Failed))
}
