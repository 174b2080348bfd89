package query

import (
	"context"
)

// Summary describes one reading over a series. Mean covers present readings only.
type Summary struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

// Stats aggregates the measurements of one sensor. A nil summary means the
// series carries no reading of that kind.
type Stats struct {
	Temperature *Summary `json:"temperature"`
	Humidity    *Summary `json:"humidity"`
	SensorID    int64    `json:"sensor_id"`
	Count       int64    `json:"count"`
}

// StatsOf summarises the measurements of a sensor under a device.
func (e *Engine) StatsOf(ctx context.Context, deviceID, sensorID int64) (Stats, error) {
	series, err := e.MeasurementsOf(ctx, deviceID, sensorID)
	if err != nil {
		return Stats{}, err
	}

	var temp, hum accumulator
	for _, m := range series {
		temp.add(m.Temperature)
		hum.add(m.Humidity)
	}

	return Stats{
		SensorID:    sensorID,
		Count:       int64(len(series)),
		Temperature: temp.summary(),
		Humidity:    hum.summary(),
	}, nil
}

type accumulator struct {
	min, max, sum float64
	n             int
}

func (a *accumulator) add(v *float64) {
	if v == nil {
		return
	}
	if a.n == 0 || *v < a.min {
		a.min = *v
	}
	if a.n == 0 || *v > a.max {
		a.max = *v
	}
	a.sum += *v
	a.n++
}

func (a *accumulator) summary() *Summary {
	if a.n == 0 {
		return nil
	}
	return &Summary{Min: a.min, Max: a.max, Mean: a.sum / float64(a.n)}
}
