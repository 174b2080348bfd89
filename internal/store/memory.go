package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps all entities in process memory. Reads share a read lock
// and never block each other; appends take the write lock, so readers see a
// measurement completely or not at all.
type MemoryStore struct {
	mu           sync.RWMutex
	devices      []Device
	deviceIndex  map[int64]int
	sensors      []Sensor
	sensorIndex  map[int64]int
	measurements map[int64][]Measurement
	latest       *Measurement
	total        int64
	nextDeviceID int64
	nextSensorID int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deviceIndex:  make(map[int64]int),
		sensorIndex:  make(map[int64]int),
		measurements: make(map[int64][]Measurement),
		nextDeviceID: 1,
		nextSensorID: 1,
	}
}

// GetDevice returns the device with the given id.
func (s *MemoryStore) GetDevice(_ context.Context, id int64) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.deviceIndex[id]
	if !ok {
		return Device{}, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	return s.devices[i], nil
}

// GetSensor returns the sensor with the given id.
func (s *MemoryStore) GetSensor(_ context.Context, id int64) (Sensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.sensorIndex[id]
	if !ok {
		return Sensor{}, fmt.Errorf("sensor %d: %w", id, ErrNotFound)
	}
	return s.sensors[i], nil
}

// ListDevices returns all devices in creation order.
func (s *MemoryStore) ListDevices(_ context.Context) ([]Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Device, len(s.devices))
	copy(out, s.devices)
	return out, nil
}

// ListAllSensors returns all sensors in creation order.
func (s *MemoryStore) ListAllSensors(_ context.Context) ([]Sensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Sensor, len(s.sensors))
	copy(out, s.sensors)
	return out, nil
}

// ListSensors returns the sensors of one device in creation order.
func (s *MemoryStore) ListSensors(_ context.Context, deviceID int64) ([]Sensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.deviceIndex[deviceID]; !ok {
		return nil, fmt.Errorf("device %d: %w", deviceID, ErrNotFound)
	}

	out := make([]Sensor, 0)
	for _, sensor := range s.sensors {
		if sensor.DeviceID == deviceID {
			out = append(out, sensor)
		}
	}
	return out, nil
}

// ListMeasurements returns the measurements of one sensor by ascending timestamp.
func (s *MemoryStore) ListMeasurements(_ context.Context, sensorID int64) ([]Measurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sensorIndex[sensorID]; !ok {
		return nil, fmt.Errorf("sensor %d: %w", sensorID, ErrNotFound)
	}

	series := s.measurements[sensorID]
	out := make([]Measurement, len(series))
	for i, m := range series {
		out[i] = m.Clone()
	}
	return out, nil
}

// CountMeasurements returns the number of measurements of one sensor.
func (s *MemoryStore) CountMeasurements(_ context.Context, sensorID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sensorIndex[sensorID]; !ok {
		return 0, fmt.Errorf("sensor %d: %w", sensorID, ErrNotFound)
	}
	return int64(len(s.measurements[sensorID])), nil
}

// TotalMeasurements returns the number of measurements across all sensors.
func (s *MemoryStore) TotalMeasurements(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.total, nil
}

// LatestMeasurement returns the most recent measurement of the whole store.
func (s *MemoryStore) LatestMeasurement(_ context.Context) (Measurement, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.latest == nil {
		return Measurement{}, false, nil
	}
	return s.latest.Clone(), true, nil
}

// LatestMeasurementOf returns the most recent measurement of one sensor.
func (s *MemoryStore) LatestMeasurementOf(_ context.Context, sensorID int64) (Measurement, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sensorIndex[sensorID]; !ok {
		return Measurement{}, false, fmt.Errorf("sensor %d: %w", sensorID, ErrNotFound)
	}

	series := s.measurements[sensorID]
	if len(series) == 0 {
		return Measurement{}, false, nil
	}
	return series[len(series)-1].Clone(), true, nil
}

// CreateDevice provisions a new device.
func (s *MemoryStore) CreateDevice(_ context.Context, d NewDevice) (Device, error) {
	if err := d.Validate(); err != nil {
		return Device{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	device := Device{ID: s.nextDeviceID, Name: d.Name, Location: d.Location}
	s.nextDeviceID++
	s.deviceIndex[device.ID] = len(s.devices)
	s.devices = append(s.devices, device)
	return device, nil
}

// UpdateDevice replaces the metadata of an existing device.
func (s *MemoryStore) UpdateDevice(_ context.Context, d Device) (Device, error) {
	if err := (NewDevice{Name: d.Name, Location: d.Location}).Validate(); err != nil {
		return Device{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.deviceIndex[d.ID]
	if !ok {
		return Device{}, fmt.Errorf("device %d: %w", d.ID, ErrNotFound)
	}
	s.devices[i] = d
	return d, nil
}

// CreateSensor provisions a new sensor under an existing device.
func (s *MemoryStore) CreateSensor(_ context.Context, n NewSensor) (Sensor, error) {
	if err := n.Validate(); err != nil {
		return Sensor{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deviceIndex[n.DeviceID]; !ok {
		return Sensor{}, fmt.Errorf("device %d: %w", n.DeviceID, ErrNotFound)
	}

	sensor := Sensor{
		ID:       s.nextSensorID,
		DeviceID: n.DeviceID,
		Kind:     n.Kind,
		Name:     n.Name,
		Unit:     n.Unit,
	}
	s.nextSensorID++
	s.sensorIndex[sensor.ID] = len(s.sensors)
	s.sensors = append(s.sensors, sensor)
	return sensor, nil
}

// AppendMeasurement records a measurement at the end of its sensor's series.
func (s *MemoryStore) AppendMeasurement(_ context.Context, m Measurement) error {
	if err := m.Validate(); err != nil {
		return err
	}

	m = m.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sensorIndex[m.SensorID]; !ok {
		return fmt.Errorf("sensor %d: %w", m.SensorID, ErrNotFound)
	}

	series := s.measurements[m.SensorID]
	if n := len(series); n > 0 {
		last := series[n-1].Timestamp
		if m.Timestamp == last {
			return fmt.Errorf("sensor %d at %d: %w", m.SensorID, m.Timestamp, ErrDuplicate)
		}
		if m.Timestamp < last {
			return fmt.Errorf("sensor %d at %d (latest %d): %w", m.SensorID, m.Timestamp, last, ErrOutOfOrder)
		}
	}

	s.measurements[m.SensorID] = append(series, m)
	s.total++
	if s.latest == nil || m.Newer(*s.latest) {
		latest := m
		s.latest = &latest
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
