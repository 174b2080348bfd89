// Package exporter publishes the freshest stored readings as Prometheus gauges.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"procodus.dev/hemrs/internal/query"
	"procodus.dev/hemrs/internal/store"
	"procodus.dev/hemrs/pkg/metrics"
)

const (
	// DefaultInterval is the refresh period.
	DefaultInterval = 10 * time.Second
	// DefaultFreshness is how old a reading may be and still be exported.
	DefaultFreshness = 5 * time.Minute
)

// Config holds the configuration for the Exporter.
type Config struct {
	Logger    *slog.Logger
	Query     *query.Engine
	Metrics   *metrics.TelemetryMetrics
	Interval  time.Duration
	Freshness time.Duration
	Now       func() time.Time // Defaults to time.Now
}

// Exporter refreshes the telemetry gauges on a ticker.
type Exporter struct {
	logger    *slog.Logger
	query     *query.Engine
	metrics   *metrics.TelemetryMetrics
	interval  time.Duration
	freshness time.Duration
	now       func() time.Time
	wg        sync.WaitGroup

	mu     sync.Mutex
	series map[string][]string // label values currently exported, by joined key
}

// New creates a new Exporter instance.
func New(cfg *Config) (*Exporter, error) {
	if cfg == nil {
		return nil, errors.New("exporter config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Query == nil {
		return nil, errors.New("query engine cannot be nil")
	}

	if cfg.Metrics == nil {
		return nil, errors.New("telemetry metrics cannot be nil")
	}

	if cfg.Interval < 0 || cfg.Freshness < 0 {
		return nil, errors.New("interval and freshness cannot be negative")
	}

	e := &Exporter{
		logger:    cfg.Logger,
		query:     cfg.Query,
		metrics:   cfg.Metrics,
		interval:  cfg.Interval,
		freshness: cfg.Freshness,
		now:       cfg.Now,
	}
	if e.interval == 0 {
		e.interval = DefaultInterval
	}
	if e.freshness == 0 {
		e.freshness = DefaultFreshness
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Start refreshes once and then on every tick until ctx is canceled.
func (e *Exporter) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		e.logger.Info("exporter started", "interval", e.interval, "freshness", e.freshness)

		for {
			if err := e.Refresh(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("failed to refresh telemetry gauges", "error", err)
			}

			select {
			case <-ctx.Done():
				e.logger.Info("exporter shutting down")
				return
			case <-ticker.C:
			}
		}
	}()
}

// Wait blocks until the refresh loop has returned.
func (e *Exporter) Wait() {
	e.wg.Wait()
}

// Refresh rebuilds the gauges from the current store contents. Readings older
// than the freshness window are dropped from the exposition.
func (e *Exporter) Refresh(ctx context.Context) error {
	devices, err := e.query.Devices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	sensors, err := e.query.Sensors(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sensors: %w", err)
	}
	latest, err := e.query.LatestPerSensor(ctx)
	if err != nil {
		return fmt.Errorf("failed to read latest measurements: %w", err)
	}
	total, err := e.query.MeasurementCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to count measurements: %w", err)
	}

	deviceByID := make(map[int64]store.Device, len(devices))
	for _, d := range devices {
		deviceByID[d.ID] = d
	}
	sensorByID := make(map[int64]store.Sensor, len(sensors))
	for _, s := range sensors {
		sensorByID[s.ID] = s
	}

	now := e.now()
	cutoff := now.Add(-e.freshness).Unix()

	live := make(map[string][]string)
	for _, m := range latest {
		if m.Timestamp < cutoff {
			continue
		}
		sensor := sensorByID[m.SensorID]
		device := deviceByID[sensor.DeviceID]
		labels := []string{device.Name, device.Location, strconv.FormatInt(m.SensorID, 10), sensor.Kind}

		if m.Temperature != nil {
			e.set(live, append(labels, "temperature"), *m.Temperature)
		}
		if m.Humidity != nil {
			e.set(live, append(labels, "humidity"), *m.Humidity)
		}
	}
	e.retire(live)

	e.metrics.MeasurementsTotal.Set(float64(total))
	e.metrics.LastRefresh.Set(float64(now.Unix()))

	e.logger.Debug("telemetry gauges refreshed", "sensors", len(latest), "exported", len(live))
	return nil
}

func (e *Exporter) set(live map[string][]string, labels []string, value float64) {
	e.metrics.MeasurementValue.WithLabelValues(labels...).Set(value)
	live[strings.Join(labels, "\x00")] = labels
}

// retire deletes the series of the previous refresh that are not in live.
// Series are never reset wholesale so a concurrent scrape sees no gap.
func (e *Exporter) retire(live map[string][]string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, labels := range e.series {
		if _, ok := live[key]; !ok {
			e.metrics.MeasurementValue.DeleteLabelValues(labels...)
		}
	}
	e.series = live
}
