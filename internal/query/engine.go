// Package query answers the hierarchical Device → Sensor → Measurement reads
// and the store-wide aggregates on top of a store.Reader.
//
// Absent resources surface as store.ErrNotFound or store.ErrMismatch, while
// valid queries without data return an empty slice or found=false.
package query

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"procodus.dev/hemrs/internal/cache"
	"procodus.dev/hemrs/internal/store"
)

// Config holds the dependencies of the Engine.
type Config struct {
	Logger *slog.Logger
	Store  store.Reader
	Cache  cache.Latest // Optional read-through cache for per-sensor latest
}

// Engine translates path parameters into store reads.
type Engine struct {
	logger *slog.Logger
	store  store.Reader
	cache  cache.Latest
}

// NewEngine creates a query engine.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("query config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	return &Engine{
		logger: cfg.Logger,
		store:  cfg.Store,
		cache:  cfg.Cache,
	}, nil
}

// Devices returns all devices.
func (e *Engine) Devices(ctx context.Context) ([]store.Device, error) {
	return e.store.ListDevices(ctx)
}

// Device returns one device.
func (e *Engine) Device(ctx context.Context, deviceID int64) (store.Device, error) {
	return e.store.GetDevice(ctx, deviceID)
}

// Sensors returns all sensors.
func (e *Engine) Sensors(ctx context.Context) ([]store.Sensor, error) {
	return e.store.ListAllSensors(ctx)
}

// SensorsOf returns the sensors of one device. A device without sensors
// yields an empty slice.
func (e *Engine) SensorsOf(ctx context.Context, deviceID int64) ([]store.Sensor, error) {
	return e.store.ListSensors(ctx, deviceID)
}

// SensorOf resolves a sensor under a device. It fails with ErrMismatch when
// both exist but the sensor is attached to another device.
func (e *Engine) SensorOf(ctx context.Context, deviceID, sensorID int64) (store.Sensor, error) {
	if _, err := e.store.GetDevice(ctx, deviceID); err != nil {
		return store.Sensor{}, err
	}

	sensor, err := e.store.GetSensor(ctx, sensorID)
	if err != nil {
		return store.Sensor{}, err
	}

	if sensor.DeviceID != deviceID {
		return store.Sensor{}, fmt.Errorf("sensor %d under device %d: %w", sensorID, deviceID, store.ErrMismatch)
	}
	return sensor, nil
}

// MeasurementsOf returns the measurements of a sensor in ascending timestamp order.
func (e *Engine) MeasurementsOf(ctx context.Context, deviceID, sensorID int64) ([]store.Measurement, error) {
	if _, err := e.SensorOf(ctx, deviceID, sensorID); err != nil {
		return nil, err
	}
	return e.store.ListMeasurements(ctx, sensorID)
}

// MeasurementsOfDevice returns the measurements of every sensor of a device,
// ordered by timestamp and then sensor id.
func (e *Engine) MeasurementsOfDevice(ctx context.Context, deviceID int64) ([]store.Measurement, error) {
	sensors, err := e.store.ListSensors(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	out := make([]store.Measurement, 0)
	for _, sensor := range sensors {
		series, err := e.store.ListMeasurements(ctx, sensor.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, series...)
	}

	slices.SortStableFunc(out, func(a, b store.Measurement) int {
		return cmp.Or(cmp.Compare(a.Timestamp, b.Timestamp), cmp.Compare(a.SensorID, b.SensorID))
	})
	return out, nil
}

// MeasurementCount returns the number of measurements across all sensors.
func (e *Engine) MeasurementCount(ctx context.Context) (int64, error) {
	return e.store.TotalMeasurements(ctx)
}

// LatestMeasurement returns the newest measurement of the store.
func (e *Engine) LatestMeasurement(ctx context.Context) (store.Measurement, bool, error) {
	return e.store.LatestMeasurement(ctx)
}

// LatestOf returns the newest measurement of a sensor under a device.
func (e *Engine) LatestOf(ctx context.Context, deviceID, sensorID int64) (store.Measurement, bool, error) {
	if _, err := e.SensorOf(ctx, deviceID, sensorID); err != nil {
		return store.Measurement{}, false, err
	}
	return e.latestOfSensor(ctx, sensorID)
}

// LatestPerSensor returns the newest measurement of every sensor that has
// one, ordered by sensor id.
func (e *Engine) LatestPerSensor(ctx context.Context) ([]store.Measurement, error) {
	sensors, err := e.store.ListAllSensors(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]store.Measurement, 0, len(sensors))
	for _, sensor := range sensors {
		m, found, err := e.latestOfSensor(ctx, sensor.ID)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, m)
		}
	}

	slices.SortFunc(out, func(a, b store.Measurement) int {
		return cmp.Compare(a.SensorID, b.SensorID)
	})
	return out, nil
}

// latestOfSensor reads through the cache. Cache failures fall back to the store.
func (e *Engine) latestOfSensor(ctx context.Context, sensorID int64) (store.Measurement, bool, error) {
	if e.cache != nil {
		m, found, err := e.cache.Get(ctx, sensorID)
		if err != nil {
			e.logger.Warn("latest cache read failed", "sensor_id", sensorID, "error", err)
		} else if found {
			return m, true, nil
		}
	}

	m, found, err := e.store.LatestMeasurementOf(ctx, sensorID)
	if err != nil || !found {
		return m, found, err
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, m); err != nil {
			e.logger.Warn("latest cache write failed", "sensor_id", sensorID, "error", err)
			if err := e.cache.Delete(ctx, sensorID); err != nil {
				e.logger.Warn("latest cache evict failed", "sensor_id", sensorID, "error", err)
			}
		}
	}
	return m, true, nil
}
