package batch

import (
	"github.com/nimburion/racesync/pkg/observability/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var batchItemsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "racesync_batch_items_total",
		Help: "Total number of batch items processed by outcome",
	},
	[]string{"batch", "status"},
)

func recordItem(name, status string) {
	batchItemsTotal.WithLabelValues(metrics.Label(name), metrics.Label(status)).Inc()
}
