// Package ingest accepts already-formed measurements from HTTP, RabbitMQ and
// MQTT and appends them to the store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/hemrs/internal/cache"
	"procodus.dev/hemrs/internal/store"
	"procodus.dev/hemrs/pkg/metrics"
)

// Sources label ingestion metrics and logs.
const (
	SourceHTTP = "http"
	SourceAMQP = "amqp"
	SourceMQTT = "mqtt"
)

// ErrDecode is returned for payloads that cannot be parsed.
var ErrDecode = errors.New("malformed measurement payload")

// Message is a measurement as submitted by a sensor board. DeviceID is
// optional; when set the sensor must belong to it. A missing Timestamp is
// filled from the ingester clock.
type Message struct {
	Timestamp   *int64   `json:"ts,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Room        string   `json:"room"`
	DeviceID    int64    `json:"device_id,omitempty"`
	SensorID    int64    `json:"sensor_id"`
}

// Config holds the dependencies of the Ingester.
type Config struct {
	Logger  *slog.Logger
	Store   store.Store
	Cache   cache.Latest          // Optional
	Metrics *metrics.IngestMetrics // Optional
	Now     func() time.Time      // Defaults to time.Now
}

// Ingester validates messages and appends them to the store.
type Ingester struct {
	logger  *slog.Logger
	store   store.Store
	cache   cache.Latest
	metrics *metrics.IngestMetrics
	now     func() time.Time
}

// NewIngester creates an Ingester.
func NewIngester(cfg *Config) (*Ingester, error) {
	if cfg == nil {
		return nil, errors.New("ingester config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Ingester{
		logger:  cfg.Logger,
		store:   cfg.Store,
		cache:   cfg.Cache,
		metrics: cfg.Metrics,
		now:     now,
	}, nil
}

// Ingest stores one message and returns the measurement as recorded.
func (i *Ingester) Ingest(ctx context.Context, source string, msg Message) (store.Measurement, error) {
	if i.metrics != nil {
		timer := prometheus.NewTimer(i.metrics.ProcessingDuration.WithLabelValues(source))
		defer timer.ObserveDuration()
	}

	m, err := i.ingest(ctx, msg)
	if i.metrics != nil {
		i.metrics.MeasurementsTotal.WithLabelValues(source, Outcome(err)).Inc()
	}
	if err != nil {
		if IsPermanent(err) {
			i.logger.Warn("measurement rejected", "source", source, "sensor_id", msg.SensorID, "error", err)
		} else {
			i.logger.Error("failed to store measurement", "source", source, "sensor_id", msg.SensorID, "error", err)
		}
		return store.Measurement{}, err
	}

	i.logger.Debug("measurement stored", "source", source, "sensor_id", m.SensorID, "ts", m.Timestamp)
	return m, nil
}

func (i *Ingester) ingest(ctx context.Context, msg Message) (store.Measurement, error) {
	if msg.DeviceID != 0 {
		sensor, err := i.store.GetSensor(ctx, msg.SensorID)
		if err != nil {
			return store.Measurement{}, err
		}
		if sensor.DeviceID != msg.DeviceID {
			return store.Measurement{}, fmt.Errorf("sensor %d under device %d: %w", msg.SensorID, msg.DeviceID, store.ErrMismatch)
		}
	}

	m := store.Measurement{
		SensorID:    msg.SensorID,
		Room:        msg.Room,
		Temperature: msg.Temperature,
		Humidity:    msg.Humidity,
	}
	if msg.Timestamp != nil {
		m.Timestamp = *msg.Timestamp
	} else {
		m.Timestamp = i.now().UTC().Unix()
	}

	if err := i.store.AppendMeasurement(ctx, m); err != nil {
		return store.Measurement{}, err
	}

	if i.cache != nil {
		if err := i.cache.Set(ctx, m); err != nil {
			i.logger.Warn("failed to update latest cache", "sensor_id", m.SensorID, "error", err)
			if err := i.cache.Delete(ctx, m.SensorID); err != nil {
				i.logger.Error("failed to evict stale latest cache entry", "sensor_id", m.SensorID, "error", err)
			}
		}
	}
	return m, nil
}

// IsPermanent reports whether retrying the same message can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrDecode) ||
		errors.Is(err, store.ErrInvalid) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrMismatch) ||
		errors.Is(err, store.ErrDuplicate) ||
		errors.Is(err, store.ErrOutOfOrder)
}

// Outcome names the result of an ingestion for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "stored"
	case errors.Is(err, ErrDecode), errors.Is(err, store.ErrInvalid):
		return "invalid"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrMismatch):
		return "mismatch"
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrOutOfOrder):
		return "conflict"
	default:
		return "error"
	}
}
