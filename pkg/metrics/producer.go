package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ProducerMetrics contains Prometheus metrics for the synthetic measurement producer.
type ProducerMetrics struct {
	MeasurementsPublished *prometheus.CounterVec
	PublishFailures       *prometheus.CounterVec
	PublishDuration       prometheus.Histogram
	SensorsProvisioned    prometheus.Counter
}

// NewProducerMetrics creates producer metrics registered with the global registry.
func NewProducerMetrics(namespace string) *ProducerMetrics {
	return NewProducerMetricsWith(nil, namespace)
}

// NewProducerMetricsWith creates producer metrics registered with reg.
func NewProducerMetricsWith(reg prometheus.Registerer, namespace string) *ProducerMetrics {
	m := &ProducerMetrics{
		MeasurementsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "measurements_published_total",
				Help:      "Total number of synthetic measurements published",
			},
			[]string{"kind"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "publish_failures_total",
				Help:      "Total number of failed publications",
			},
			[]string{"reason"}, // reason: marshal_error, push_error
		),
		PublishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "publish_duration_seconds",
				Help:      "Duration of a single publication",
				Buckets:   prometheus.DefBuckets,
			},
		),
		SensorsProvisioned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "sensors_provisioned_total",
				Help:      "Total number of simulated sensors provisioned",
			},
		),
	}

	registererOrDefault(reg).MustRegister(
		m.MeasurementsPublished,
		m.PublishFailures,
		m.PublishDuration,
		m.SensorsProvisioned,
	)

	return m
}
