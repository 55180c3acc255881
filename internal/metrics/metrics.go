// Package metrics holds the Prometheus collectors shared by the sync pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagpadrin_sync_cycles_total",
			Help: "Completed sync cycles by aggregate status",
		},
		[]string{"status"}, // SUCCESS, PARTIAL, FAILED, SKIPPED
	)

	SyncCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tagpadrin_sync_cycle_duration_seconds",
			Help:    "Wall-clock duration of sync cycles",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	SyncDeviceOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagpadrin_sync_device_outcomes_total",
			Help: "Per-device sync outcomes by result and failure kind",
		},
		[]string{"result", "kind"},
	)

	ProviderBatchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagpadrin_brgps_batch_requests_total",
			Help: "Upstream batch position requests by result",
		},
		[]string{"result"}, // success, failure, rejected
	)

	ForwardAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagpadrin_forward_attempts_total",
			Help: "Telemetry sink delivery attempts",
		},
		[]string{"result", "degraded"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tagpadrin_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	RetentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagpadrin_retention_deleted_total",
			Help: "Rows removed by the retention sweeper",
		},
		[]string{"collection"},
	)
)

// BoolLabel renders a boolean as a metric label value.
func BoolLabel(value bool) string {
	if value {
		return "true"
	}
	return "false"
}
