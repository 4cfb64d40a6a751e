package delivery

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/velotype/keypulse/internal/domain"
)

const namespace = "keypulse"

var (
	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Delivery outcomes by notification type and status",
		},
		[]string{"type", "status"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "send_duration_seconds",
			Help:      "Time to push one notification to one endpoint",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"type"},
	)
)

// recordDelivery records a delivery outcome metric.
func recordDelivery(t domain.NotificationType, status string) {
	deliveries.WithLabelValues(string(t), status).Inc()
}

// recordSendDuration records one push send duration.
func recordSendDuration(t domain.NotificationType, duration time.Duration) {
	sendDuration.WithLabelValues(string(t)).Observe(duration.Seconds())
}
