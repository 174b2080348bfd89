package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"procodus.dev/hemrs/pkg/client"
	"procodus.dev/hemrs/pkg/metrics"
	"procodus.dev/hemrs/pkg/mq"
)

// ServerConfig holds the configuration for the producer server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// APIURL is the base URL of the hemrs HTTP API used for provisioning
	APIURL string
	// RabbitMQURL is the connection string for RabbitMQ
	RabbitMQURL string
	// QueueName is the queue the ingestion consumer reads
	QueueName string
	// Devices is the number of simulated boards
	Devices int
	// Interval is the time between readings of each board
	Interval time.Duration
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.ProducerMetrics
	// MQMetrics is the optional Prometheus metrics collector for MQ operations
	MQMetrics *metrics.MQMetrics
}

// Server provisions the simulated boards and drives their publication.
type Server struct {
	logger   *slog.Logger
	config   *ServerConfig
	producer *Producer
	mqClient mq.ClientInterface
}

var (
	errInvalidDeviceCount = errors.New("device count must be greater than 0")
	errInvalidInterval    = errors.New("interval must be greater than 0")
	errLoggerRequired     = errors.New("logger is required")
)

// NewServer creates a new producer server with the given configuration.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("producer config cannot be nil")
	}

	if cfg.Devices <= 0 {
		return nil, errInvalidDeviceCount
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	api, err := client.New(&client.Config{BaseURL: cfg.APIURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}

	mqClient, err := mq.New(&mq.Config{
		Logger:  cfg.Logger.With(slog.String("component", "mq-client")),
		Metrics: cfg.MQMetrics,
		URL:     cfg.RabbitMQURL,
		Queue:   cfg.QueueName,
		Durable: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MQ client: %w", err)
	}

	return newServer(cfg, mqClient, api)
}

// newServer wires a server from ready made clients.
func newServer(cfg *ServerConfig, mqClient mq.ClientInterface, api Provisioner) (*Server, error) {
	producer, err := NewProducer(cfg.Logger, mqClient, api, cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Server{
		logger:   cfg.Logger,
		config:   cfg,
		producer: producer,
		mqClient: mqClient,
	}, nil
}

// Run provisions the boards, then publishes on every tick until a shutdown
// signal arrives or ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			s.logger.Info("received shutdown signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.producer.Provision(ctx, s.config.Devices); err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to provision simulated sensors: %w", err)
	}

	s.logger.Info("producer server started",
		"devices", s.config.Devices,
		"interval", s.config.Interval,
	)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context canceled, shutting down")
			return s.Shutdown()

		case <-ticker.C:
			if err := s.producer.PublishAll(ctx); err != nil {
				s.logger.Error("failed to publish readings", "error", err)
				// Keep going; the MQ client reconnects on its own.
				continue
			}
			s.logger.Debug("readings published", "sensors", len(s.producer.Sensors()))
		}
	}
}

// Shutdown closes the MQ client.
func (s *Server) Shutdown() error {
	s.logger.Info("closing MQ client")
	if err := s.mqClient.Close(); err != nil {
		return fmt.Errorf("failed to close MQ client: %w", err)
	}
	s.logger.Info("producer server stopped")
	return nil
}
