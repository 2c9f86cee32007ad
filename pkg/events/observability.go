package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsPublishedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "racesync_events_published_total",
		Help: "Total number of run events handed to the publisher by outcome",
	},
	[]string{"outcome"},
)

func recordPublish(outcome string) {
	eventsPublishedTotal.WithLabelValues(outcome).Inc()
}
