package operations

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_operations_transitions_total",
			Help: "Operation status transitions by operation type and target status.",
		},
		[]string{"type", "status"},
	)

	activeOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crucible_operations_active",
			Help: "Number of operations that are pending or running.",
		},
	)

	proxyRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_operations_remote_refresh_total",
			Help: "Lazy refreshes of worker-hosted operations by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(activeOperations)
	prometheus.MustRegister(proxyRefreshTotal)
}
