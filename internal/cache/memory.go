package cache

import (
	"context"
	"sync"

	"procodus.dev/hemrs/internal/store"
)

// Memory is an in-process Latest cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[int64]store.Measurement
}

var _ Latest = (*Memory)(nil)

// NewMemory returns an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[int64]store.Measurement)}
}

// Get returns the cached measurement of a sensor.
func (c *Memory) Get(_ context.Context, sensorID int64) (store.Measurement, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.entries[sensorID]
	return m.Clone(), ok, nil
}

// Set stores m unless a newer measurement of the same sensor is cached.
func (c *Memory) Set(_ context.Context, m store.Measurement) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.entries[m.SensorID]; ok && cur.Timestamp > m.Timestamp {
		return nil
	}
	c.entries[m.SensorID] = m.Clone()
	return nil
}

// Delete drops the cached measurement of a sensor.
func (c *Memory) Delete(_ context.Context, sensorID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, sensorID)
	return nil
}

// Close is a no-op.
func (c *Memory) Close() error {
	return nil
}
