package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TelemetryMetrics exports the stored readings themselves.
type TelemetryMetrics struct {
	MeasurementValue  *prometheus.GaugeVec
	MeasurementsTotal prometheus.Gauge
	LastRefresh       prometheus.Gauge
}

// NewTelemetryMetrics creates telemetry gauges registered with the global registry.
func NewTelemetryMetrics(namespace string) *TelemetryMetrics {
	return NewTelemetryMetricsWith(nil, namespace)
}

// NewTelemetryMetricsWith creates telemetry gauges registered with reg.
func NewTelemetryMetricsWith(reg prometheus.Registerer, namespace string) *TelemetryMetrics {
	m := &TelemetryMetrics{
		MeasurementValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "measurement_value",
				Help:      "Latest fresh reading per sensor",
			},
			[]string{"device", "location", "sensor", "kind", "reading"},
		),
		MeasurementsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "measurements_total",
				Help:      "Number of measurements held by the store",
			},
		),
		LastRefresh: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "exporter",
				Name:      "last_refresh_timestamp_seconds",
				Help:      "Unix time of the last successful exporter refresh",
			},
		),
	}

	registererOrDefault(reg).MustRegister(
		m.MeasurementValue,
		m.MeasurementsTotal,
		m.LastRefresh,
	)

	return m
}
