package schedule

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scheduleNextRun = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "racesync_schedule_next_run_timestamp_seconds",
		Help: "Unix time of the next scheduled run",
	})

	scheduleFiresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "racesync_schedule_fires_total",
		Help: "Total number of scheduled runs started",
	})
)
