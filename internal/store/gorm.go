package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"procodus.dev/hemrs/pkg/metrics"
)

// GormStore is the PostgreSQL-backed Store.
type GormStore struct {
	logger  *slog.Logger
	db      *gorm.DB
	metrics *metrics.StoreMetrics // Optional metrics
}

var _ Store = (*GormStore)(nil)

// GormStoreConfig holds the configuration for the GormStore.
type GormStoreConfig struct {
	Logger  *slog.Logger
	DB      *gorm.DB
	Metrics *metrics.StoreMetrics
}

// NewGormStore creates a GormStore over an already migrated connection.
func NewGormStore(cfg *GormStoreConfig) (*GormStore, error) {
	if cfg == nil {
		return nil, errors.New("store config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}

	return &GormStore{
		logger:  cfg.Logger,
		db:      cfg.DB,
		metrics: cfg.Metrics,
	}, nil
}

// observe runs op and records its duration and outcome.
func (s *GormStore) observe(operation string, op func() error) error {
	if s.metrics != nil {
		timer := prometheus.NewTimer(s.metrics.OperationDuration.WithLabelValues(operation))
		defer timer.ObserveDuration()
	}

	err := op()

	if s.metrics != nil {
		s.metrics.OperationsTotal.WithLabelValues(operation, statusOf(err)).Inc()
	}
	if err != nil && statusOf(err) == "error" {
		s.logger.Error("store operation failed", "operation", operation, "error", err)
	}
	return err
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrOutOfOrder):
		return "conflict"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	default:
		return "error"
	}
}

func (s *GormStore) sensorExists(ctx context.Context, db *gorm.DB, id int64) error {
	var n int64
	if err := db.WithContext(ctx).Model(&SensorRecord{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("failed to look up sensor %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("sensor %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) deviceExists(ctx context.Context, db *gorm.DB, id int64) error {
	var n int64
	if err := db.WithContext(ctx).Model(&DeviceRecord{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("failed to look up device %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetDevice returns the device with the given id.
func (s *GormStore) GetDevice(ctx context.Context, id int64) (Device, error) {
	var row DeviceRecord
	err := s.observe("get_device", func() error {
		err := s.db.WithContext(ctx).First(&row, id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("device %d: %w", id, ErrNotFound)
		}
		return err
	})
	if err != nil {
		return Device{}, err
	}
	return row.toDevice(), nil
}

// GetSensor returns the sensor with the given id.
func (s *GormStore) GetSensor(ctx context.Context, id int64) (Sensor, error) {
	var row SensorRecord
	err := s.observe("get_sensor", func() error {
		err := s.db.WithContext(ctx).First(&row, id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("sensor %d: %w", id, ErrNotFound)
		}
		return err
	})
	if err != nil {
		return Sensor{}, err
	}
	return row.toSensor(), nil
}

// ListDevices returns all devices in creation order.
func (s *GormStore) ListDevices(ctx context.Context) ([]Device, error) {
	var rows []DeviceRecord
	err := s.observe("list_devices", func() error {
		return s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	devices := make([]Device, len(rows))
	for i, row := range rows {
		devices[i] = row.toDevice()
	}
	return devices, nil
}

// ListAllSensors returns all sensors in creation order.
func (s *GormStore) ListAllSensors(ctx context.Context) ([]Sensor, error) {
	var rows []SensorRecord
	err := s.observe("list_all_sensors", func() error {
		return s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return toSensors(rows), nil
}

// ListSensors returns the sensors of one device in creation order.
func (s *GormStore) ListSensors(ctx context.Context, deviceID int64) ([]Sensor, error) {
	var rows []SensorRecord
	err := s.observe("list_sensors", func() error {
		if err := s.deviceExists(ctx, s.db, deviceID); err != nil {
			return err
		}
		return s.db.WithContext(ctx).
			Where("device_id = ?", deviceID).
			Order("id ASC").
			Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return toSensors(rows), nil
}

func toSensors(rows []SensorRecord) []Sensor {
	sensors := make([]Sensor, len(rows))
	for i, row := range rows {
		sensors[i] = row.toSensor()
	}
	return sensors
}

// ListMeasurements returns the measurements of one sensor by ascending timestamp.
func (s *GormStore) ListMeasurements(ctx context.Context, sensorID int64) ([]Measurement, error) {
	var rows []MeasurementRecord
	err := s.observe("list_measurements", func() error {
		if err := s.sensorExists(ctx, s.db, sensorID); err != nil {
			return err
		}
		return s.db.WithContext(ctx).
			Where("sensor_id = ?", sensorID).
			Order("ts ASC").
			Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	out := make([]Measurement, len(rows))
	for i, row := range rows {
		out[i] = row.toMeasurement()
	}
	return out, nil
}

// CountMeasurements returns the number of measurements of one sensor.
func (s *GormStore) CountMeasurements(ctx context.Context, sensorID int64) (int64, error) {
	var n int64
	err := s.observe("count_measurements", func() error {
		if err := s.sensorExists(ctx, s.db, sensorID); err != nil {
			return err
		}
		return s.db.WithContext(ctx).
			Model(&MeasurementRecord{}).
			Where("sensor_id = ?", sensorID).
			Count(&n).Error
	})
	return n, err
}

// TotalMeasurements returns the number of measurements across all sensors.
func (s *GormStore) TotalMeasurements(ctx context.Context) (int64, error) {
	var n int64
	err := s.observe("total_measurements", func() error {
		return s.db.WithContext(ctx).Model(&MeasurementRecord{}).Count(&n).Error
	})
	return n, err
}

// LatestMeasurement returns the most recent measurement of the whole store,
// lowest sensor id first on equal timestamps.
func (s *GormStore) LatestMeasurement(ctx context.Context) (Measurement, bool, error) {
	var rows []MeasurementRecord
	err := s.observe("latest_measurement", func() error {
		return s.db.WithContext(ctx).
			Order("ts DESC").
			Order("sensor_id ASC").
			Limit(1).
			Find(&rows).Error
	})
	if err != nil || len(rows) == 0 {
		return Measurement{}, false, err
	}
	return rows[0].toMeasurement(), true, nil
}

// LatestMeasurementOf returns the most recent measurement of one sensor.
func (s *GormStore) LatestMeasurementOf(ctx context.Context, sensorID int64) (Measurement, bool, error) {
	var rows []MeasurementRecord
	err := s.observe("latest_measurement_of", func() error {
		if err := s.sensorExists(ctx, s.db, sensorID); err != nil {
			return err
		}
		return s.db.WithContext(ctx).
			Where("sensor_id = ?", sensorID).
			Order("ts DESC").
			Limit(1).
			Find(&rows).Error
	})
	if err != nil || len(rows) == 0 {
		return Measurement{}, false, err
	}
	return rows[0].toMeasurement(), true, nil
}

// CreateDevice provisions a new device.
func (s *GormStore) CreateDevice(ctx context.Context, d NewDevice) (Device, error) {
	if err := d.Validate(); err != nil {
		return Device{}, err
	}

	row := DeviceRecord{Name: d.Name, Location: d.Location}
	err := s.observe("create_device", func() error {
		return s.db.WithContext(ctx).Create(&row).Error
	})
	if err != nil {
		return Device{}, err
	}
	return row.toDevice(), nil
}

// UpdateDevice replaces the metadata of an existing device.
func (s *GormStore) UpdateDevice(ctx context.Context, d Device) (Device, error) {
	if err := (NewDevice{Name: d.Name, Location: d.Location}).Validate(); err != nil {
		return Device{}, err
	}

	err := s.observe("update_device", func() error {
		res := s.db.WithContext(ctx).
			Model(&DeviceRecord{}).
			Where("id = ?", d.ID).
			Updates(map[string]any{"name": d.Name, "location": d.Location})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("device %d: %w", d.ID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return Device{}, err
	}
	return d, nil
}

// CreateSensor provisions a new sensor under an existing device.
func (s *GormStore) CreateSensor(ctx context.Context, n NewSensor) (Sensor, error) {
	if err := n.Validate(); err != nil {
		return Sensor{}, err
	}

	row := SensorRecord{DeviceID: n.DeviceID, Kind: n.Kind, Name: n.Name, Unit: n.Unit}
	err := s.observe("create_sensor", func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.deviceExists(ctx, tx, n.DeviceID); err != nil {
				return err
			}
			err := tx.Create(&row).Error
			if errors.Is(err, gorm.ErrForeignKeyViolated) {
				return fmt.Errorf("device %d: %w", n.DeviceID, ErrNotFound)
			}
			return err
		})
	})
	if err != nil {
		return Sensor{}, err
	}
	return row.toSensor(), nil
}

// AppendMeasurement records a measurement after the latest one of its sensor.
// The sensor row is locked for the duration of the check and insert so
// concurrent appends to the same sensor serialize.
func (s *GormStore) AppendMeasurement(ctx context.Context, m Measurement) error {
	if err := m.Validate(); err != nil {
		return err
	}

	return s.observe("append_measurement", func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var sensor SensorRecord
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&sensor, m.SensorID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("sensor %d: %w", m.SensorID, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("failed to lock sensor %d: %w", m.SensorID, err)
			}

			var last []MeasurementRecord
			if err := tx.Where("sensor_id = ?", m.SensorID).Order("ts DESC").Limit(1).Find(&last).Error; err != nil {
				return fmt.Errorf("failed to read latest measurement: %w", err)
			}
			if len(last) > 0 {
				if m.Timestamp == last[0].Timestamp {
					return fmt.Errorf("sensor %d at %d: %w", m.SensorID, m.Timestamp, ErrDuplicate)
				}
				if m.Timestamp < last[0].Timestamp {
					return fmt.Errorf("sensor %d at %d (latest %d): %w", m.SensorID, m.Timestamp, last[0].Timestamp, ErrOutOfOrder)
				}
			}

			row := measurementRecord(m)
			err = tx.Create(&row).Error
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("sensor %d at %d: %w", m.SensorID, m.Timestamp, ErrDuplicate)
			}
			return err
		})
	})
}

// Stats reports the connection pool state into the store metrics.
func (s *GormStore) Stats() {
	if s.metrics == nil {
		return
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return
	}
	s.metrics.ConnectionsOpen.Set(float64(sqlDB.Stats().OpenConnections))
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	return CloseDB(s.db, s.logger)
}
