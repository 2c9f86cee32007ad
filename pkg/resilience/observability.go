package resilience

import (
	"github.com/nimburion/racesync/pkg/observability/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "racesync_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	circuitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "racesync_circuit_rejections_total",
			Help: "Total number of calls rejected by an open circuit",
		},
		[]string{"name"},
	)

	retryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "racesync_retry_attempts_total",
			Help: "Total number of retry executor decisions by outcome",
		},
		[]string{"operation", "outcome"},
	)
)

func recordCircuitState(name string, state State) {
	circuitState.WithLabelValues(metrics.Label(name)).Set(float64(state))
}

func recordCircuitRejection(name string) {
	circuitRejectionsTotal.WithLabelValues(metrics.Label(name)).Inc()
}

func recordRetryAttempt(operation, outcome string) {
	retryAttemptsTotal.WithLabelValues(metrics.Label(operation), metrics.Label(outcome)).Inc()
}
