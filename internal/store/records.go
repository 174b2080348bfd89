package store

import (
	"time"
)

// DeviceRecord is the devices table row.
type DeviceRecord struct {
	CreatedAt time.Time      `gorm:"autoCreateTime"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime"`
	Name      string         `gorm:"not null"`
	Location  string         `gorm:"not null;default:''"`
	Sensors   []SensorRecord `gorm:"foreignKey:DeviceID;constraint:OnDelete:RESTRICT"`
	ID        int64          `gorm:"primaryKey"`
}

// TableName specifies the table name for DeviceRecord.
func (DeviceRecord) TableName() string {
	return "devices"
}

func (r DeviceRecord) toDevice() Device {
	return Device{ID: r.ID, Name: r.Name, Location: r.Location}
}

// SensorRecord is the sensors table row.
type SensorRecord struct {
	CreatedAt    time.Time           `gorm:"autoCreateTime"`
	Kind         string              `gorm:"not null"`
	Name         string              `gorm:"not null;default:''"`
	Unit         string              `gorm:"not null;default:''"`
	Measurements []MeasurementRecord `gorm:"foreignKey:SensorID;constraint:OnDelete:RESTRICT"`
	ID           int64               `gorm:"primaryKey"`
	DeviceID     int64               `gorm:"index:idx_sensors_device;not null"`
}

// TableName specifies the table name for SensorRecord.
func (SensorRecord) TableName() string {
	return "sensors"
}

func (r SensorRecord) toSensor() Sensor {
	return Sensor{ID: r.ID, DeviceID: r.DeviceID, Kind: r.Kind, Name: r.Name, Unit: r.Unit}
}

// MeasurementRecord is the measurements table row. The primary key
// (sensor_id, ts) makes a measurement's identity unique.
type MeasurementRecord struct {
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	Temperature *float64
	Humidity    *float64
	Room        string `gorm:"not null;default:''"`
	SensorID    int64  `gorm:"primaryKey;autoIncrement:false"`
	Timestamp   int64  `gorm:"column:ts;primaryKey;autoIncrement:false;index:idx_measurements_ts"`
}

// TableName specifies the table name for MeasurementRecord.
func (MeasurementRecord) TableName() string {
	return "measurements"
}

func (r MeasurementRecord) toMeasurement() Measurement {
	return Measurement{
		SensorID:    r.SensorID,
		Timestamp:   r.Timestamp,
		Room:        r.Room,
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
	}
}

func measurementRecord(m Measurement) MeasurementRecord {
	return MeasurementRecord{
		SensorID:    m.SensorID,
		Timestamp:   m.Timestamp,
		Room:        m.Room,
		Temperature: m.Temperature,
		Humidity:    m.Humidity,
	}
}
