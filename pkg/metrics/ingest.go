package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for measurement ingestion.
type IngestMetrics struct {
	MeasurementsTotal  *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ActiveSources      prometheus.Gauge
}

// NewIngestMetrics creates ingestion metrics registered with the global registry.
func NewIngestMetrics(namespace string) *IngestMetrics {
	return NewIngestMetricsWith(nil, namespace)
}

// NewIngestMetricsWith creates ingestion metrics registered with reg.
func NewIngestMetricsWith(reg prometheus.Registerer, namespace string) *IngestMetrics {
	m := &IngestMetrics{
		MeasurementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "measurements_total",
				Help:      "Total number of measurements received",
			},
			[]string{"source", "outcome"}, // outcome: stored, invalid, not_found, mismatch, conflict, error
		),
		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "processing_duration_seconds",
				Help:      "Duration of measurement processing",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		ActiveSources: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "active_sources",
				Help:      "Number of running ingestion sources",
			},
		),
	}

	registererOrDefault(reg).MustRegister(
		m.MeasurementsTotal,
		m.ProcessingDuration,
		m.ActiveSources,
	)

	return m
}
