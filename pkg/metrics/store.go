package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StoreMetrics contains Prometheus metrics for the entity store.
type StoreMetrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ConnectionsOpen   prometheus.Gauge
}

// NewStoreMetrics creates store metrics registered with the global registry.
func NewStoreMetrics(namespace string) *StoreMetrics {
	return NewStoreMetricsWith(nil, namespace)
}

// NewStoreMetricsWith creates store metrics registered with reg.
func NewStoreMetricsWith(reg prometheus.Registerer, namespace string) *StoreMetrics {
	m := &StoreMetrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operations_total",
				Help:      "Total number of store operations",
			},
			[]string{"operation", "status"}, // status: success, not_found, conflict, error
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Duration of store operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		ConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "connections_open",
				Help:      "Number of open database connections",
			},
		),
	}

	registererOrDefault(reg).MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.ConnectionsOpen,
	)

	return m
}
