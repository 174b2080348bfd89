// Package producer simulates sensor boards: it provisions devices and
// sensors through the HTTP API and publishes their readings to RabbitMQ.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/hemrs/internal/ingest"
	"procodus.dev/hemrs/pkg/client"
	"procodus.dev/hemrs/pkg/generator"
	"procodus.dev/hemrs/pkg/metrics"
	"procodus.dev/hemrs/pkg/mq"
)

// SensorKind is the kind every simulated sensor is provisioned with.
const SensorKind = "dht11"

// Provisioner creates the devices and sensors a producer publishes for.
// *client.Client satisfies it.
type Provisioner interface {
	CreateDevice(ctx context.Context, d client.NewDevice) (client.Device, error)
	CreateSensor(ctx context.Context, s client.NewSensor) (client.Sensor, error)
}

// SimulatedSensor is one provisioned board and its reading generator.
type SimulatedSensor struct {
	Board    *generator.Board
	gen      *generator.ReadingGenerator
	DeviceID int64
	SensorID int64
	lastTS   int64
}

// Producer publishes readings for its simulated sensors.
type Producer struct {
	mu       sync.Mutex
	logger   *slog.Logger
	mqClient mq.ClientInterface
	api      Provisioner
	metrics  *metrics.ProducerMetrics // Optional metrics
	now      func() time.Time
	sensors  []*SimulatedSensor
}

// NewProducer creates a producer without sensors; call Provision before Publish.
func NewProducer(logger *slog.Logger, mqClient mq.ClientInterface, api Provisioner, m *metrics.ProducerMetrics) (*Producer, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if mqClient == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	if api == nil {
		return nil, errors.New("provisioner cannot be nil")
	}

	return &Producer{
		logger:   logger,
		mqClient: mqClient,
		api:      api,
		metrics:  m,
		now:      time.Now,
	}, nil
}

// Sensors returns the provisioned sensors.
func (p *Producer) Sensors() []*SimulatedSensor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*SimulatedSensor(nil), p.sensors...)
}

// Provision creates count boards, each a device with one DHT11 sensor.
// Note: Uses math/rand for generator seeds which is acceptable for simulation data.
func (p *Producer) Provision(ctx context.Context, count int) error {
	for range count {
		board, err := generator.NewBoard()
		if err != nil {
			return err
		}

		device, err := p.api.CreateDevice(ctx, client.NewDevice{Name: board.Name, Location: board.Room})
		if err != nil {
			return fmt.Errorf("failed to create device %s: %w", board.Name, err)
		}

		sensor, err := p.api.CreateSensor(ctx, client.NewSensor{DeviceID: device.ID, Kind: SensorKind, Name: SensorKind})
		if err != nil {
			return fmt.Errorf("failed to create sensor for device %d: %w", device.ID, err)
		}

		p.mu.Lock()
		p.sensors = append(p.sensors, &SimulatedSensor{
			Board:    board,
			gen:      generator.NewReadingGenerator(rand.Int63()), // #nosec G404 - weak random is acceptable for simulation
			DeviceID: device.ID,
			SensorID: sensor.ID,
		})
		p.mu.Unlock()

		if p.metrics != nil {
			p.metrics.SensorsProvisioned.Inc()
		}

		p.logger.Info("simulated sensor provisioned",
			"device_id", device.ID,
			"sensor_id", sensor.ID,
			"name", board.Name,
			"room", board.Room,
		)
	}
	return nil
}

// PublishAll publishes one reading for every sensor and returns the first error.
func (p *Producer) PublishAll(ctx context.Context) error {
	var firstErr error
	for _, s := range p.Sensors() {
		if err := p.Publish(ctx, s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Publish sends one protobuf encoded reading for s. Timestamps are bumped so
// a sensor never repeats one within the same second.
func (p *Producer) Publish(ctx context.Context, s *SimulatedSensor) error {
	var timer *prometheus.Timer
	if p.metrics != nil {
		timer = prometheus.NewTimer(p.metrics.PublishDuration)
		defer timer.ObserveDuration()
	}

	p.mu.Lock()
	now := p.now()
	ts := now.Unix()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	reading := s.gen.Next(now)
	p.mu.Unlock()

	msg := ingest.Message{
		Timestamp:   &ts,
		Temperature: &reading.Temperature,
		Humidity:    &reading.Humidity,
		Room:        s.Board.Room,
		DeviceID:    s.DeviceID,
		SensorID:    s.SensorID,
	}

	body, err := ingest.EncodeProtobuf(msg)
	if err != nil {
		if p.metrics != nil {
			p.metrics.PublishFailures.WithLabelValues("marshal_error").Inc()
		}
		return err
	}

	if err := p.mqClient.Publish(ctx, mq.ContentTypeProtobuf, body); err != nil {
		if p.metrics != nil {
			p.metrics.PublishFailures.WithLabelValues("push_error").Inc()
		}
		return fmt.Errorf("failed to publish reading of sensor %d: %w", s.SensorID, err)
	}

	if p.metrics != nil {
		p.metrics.MeasurementsPublished.WithLabelValues(SensorKind).Inc()
	}
	return nil
}
