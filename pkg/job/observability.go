package job

import (
	"github.com/nimburion/racesync/pkg/observability/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "racesync_job_runs_total",
			Help: "Total number of job invocations by termination reason",
		},
		[]string{"job", "reason"},
	)

	jobRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "racesync_job_run_duration_seconds",
			Help:    "Wall time of job invocations that held the lock",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"job", "reason"},
	)

	jobItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "racesync_job_items_total",
			Help: "Total number of items handled by job runs",
		},
		[]string{"job", "status"},
	)
)

func recordRun(record RunRecord) {
	job, reason := metrics.Label(record.JobKey), metrics.Label(string(record.Reason))
	jobRunsTotal.WithLabelValues(job, reason).Inc()
	if record.ExecutionID == "" {
		return
	}
	jobRunDuration.WithLabelValues(job, reason).Observe(record.Duration().Seconds())
	jobItemsTotal.WithLabelValues(job, "fetched").Add(float64(record.Stats.Fetched))
	jobItemsTotal.WithLabelValues(job, "written").Add(float64(record.Stats.Written))
	jobItemsTotal.WithLabelValues(job, "failed").Add(float64(record.Stats.Failed))
}
