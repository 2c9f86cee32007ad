package lock

import (
	"github.com/nimburion/racesync/pkg/observability/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "racesync_lock_acquire_total",
			Help: "Total number of lock acquisition attempts by outcome",
		},
		[]string{"job", "outcome"},
	)

	lockHeartbeatTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "racesync_lock_heartbeat_total",
			Help: "Total number of lock heartbeats by status",
		},
		[]string{"job", "status"},
	)

	lockHeldSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "racesync_lock_held_seconds",
			Help:    "Time between lock acquisition and release",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"job", "status"},
	)
)

const (
	outcomeAcquired       = "acquired"
	outcomeContended      = "contended"
	outcomeReclaimed      = "reclaimed"
	outcomeYielded        = "yielded"
	outcomeNotProvisioned = "not_provisioned"
	outcomeUnavailable    = "store_unavailable"
)

func recordAcquire(job, outcome string) {
	lockAcquireTotal.WithLabelValues(metrics.Label(job), metrics.Label(outcome)).Inc()
}

func recordHeartbeat(job, status string) {
	lockHeartbeatTotal.WithLabelValues(metrics.Label(job), metrics.Label(status)).Inc()
}

func recordHeld(job, status string, seconds float64) {
	lockHeldSeconds.WithLabelValues(metrics.Label(job), metrics.Label(status)).Observe(seconds)
}
