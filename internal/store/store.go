// Package store holds devices, sensors and measurements and enforces the
// relations between them.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced device or sensor does not exist.
	ErrNotFound = errors.New("not found")
	// ErrMismatch is returned when both ids exist but the sensor belongs to another device.
	ErrMismatch = errors.New("sensor does not belong to device")
	// ErrInvalid is returned for records that fail validation.
	ErrInvalid = errors.New("invalid record")
	// ErrOutOfOrder is returned when a measurement is older than the last one stored for its sensor.
	ErrOutOfOrder = errors.New("measurement older than latest stored")
	// ErrDuplicate is returned when a measurement with the same sensor and timestamp exists.
	ErrDuplicate = errors.New("measurement already recorded")
)

// Device is a physical unit hosting sensors.
type Device struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	ID       int64  `json:"id"`
}

// NewDevice holds the fields needed to provision a device.
type NewDevice struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

// Sensor is a single measurement channel of a device.
type Sensor struct {
	Kind     string `json:"kind"`
	Name     string `json:"name,omitempty"`
	Unit     string `json:"unit,omitempty"`
	ID       int64  `json:"id"`
	DeviceID int64  `json:"device_id"`
}

// NewSensor holds the fields needed to provision a sensor.
type NewSensor struct {
	Kind     string `json:"kind"`
	Name     string `json:"name,omitempty"`
	Unit     string `json:"unit,omitempty"`
	DeviceID int64  `json:"device_id"`
}

// Measurement is one timestamped reading of a sensor. Timestamp is Unix seconds.
type Measurement struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Room        string   `json:"room"`
	SensorID    int64    `json:"sensor_id"`
	Timestamp   int64    `json:"ts"`
}

// Reader is the read side of the store. Every method is safe for concurrent use.
type Reader interface {
	GetDevice(ctx context.Context, id int64) (Device, error)
	GetSensor(ctx context.Context, id int64) (Sensor, error)
	ListDevices(ctx context.Context) ([]Device, error)
	ListAllSensors(ctx context.Context) ([]Sensor, error)
	ListSensors(ctx context.Context, deviceID int64) ([]Sensor, error)
	ListMeasurements(ctx context.Context, sensorID int64) ([]Measurement, error)
	CountMeasurements(ctx context.Context, sensorID int64) (int64, error)
	TotalMeasurements(ctx context.Context) (int64, error)
	// LatestMeasurement reports found=false when the store holds no measurements.
	LatestMeasurement(ctx context.Context) (Measurement, bool, error)
	LatestMeasurementOf(ctx context.Context, sensorID int64) (Measurement, bool, error)
}

// Writer is the provisioning and append-only ingestion side of the store.
type Writer interface {
	CreateDevice(ctx context.Context, d NewDevice) (Device, error)
	UpdateDevice(ctx context.Context, d Device) (Device, error)
	CreateSensor(ctx context.Context, s NewSensor) (Sensor, error)
	AppendMeasurement(ctx context.Context, m Measurement) error
}

// Store combines both sides with resource cleanup.
type Store interface {
	Reader
	Writer
	Close() error
}

// Validate checks the device fields.
func (d NewDevice) Validate() error {
	if d.Name == "" {
		return invalid("device name cannot be empty")
	}
	return nil
}

// Validate checks the sensor fields. The device reference is checked by the store.
func (s NewSensor) Validate() error {
	if s.Kind == "" {
		return invalid("sensor kind cannot be empty")
	}
	if s.DeviceID <= 0 {
		return invalid("sensor device_id must be positive")
	}
	return nil
}

// Validate checks that the measurement carries at least one reading.
func (m Measurement) Validate() error {
	if m.SensorID <= 0 {
		return invalid("measurement sensor_id must be positive")
	}
	if m.Timestamp < 0 {
		return invalid("measurement ts cannot be negative")
	}
	if m.Temperature == nil && m.Humidity == nil {
		return invalid("measurement needs at least one reading")
	}
	return nil
}

// Newer reports whether m sorts after other as "latest": greater timestamp,
// and on equal timestamps the lower sensor id wins.
func (m Measurement) Newer(other Measurement) bool {
	if m.Timestamp != other.Timestamp {
		return m.Timestamp > other.Timestamp
	}
	return m.SensorID < other.SensorID
}

// Clone returns a copy of m that shares no reading pointers with it.
func (m Measurement) Clone() Measurement {
	if m.Temperature != nil {
		m.Temperature = Float(*m.Temperature)
	}
	if m.Humidity != nil {
		m.Humidity = Float(*m.Humidity)
	}
	return m
}

// Float returns a pointer to v, for building readings.
func Float(v float64) *float64 {
	return &v
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalid, msg)
}
