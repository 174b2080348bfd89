// Package service composes the store, cache, ingestion adapters, exporter and
// the HTTP and gRPC servers into the hemrs process.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/hemrs/internal/api"
	"procodus.dev/hemrs/internal/cache"
	"procodus.dev/hemrs/internal/exporter"
	"procodus.dev/hemrs/internal/ingest"
	"procodus.dev/hemrs/internal/query"
	"procodus.dev/hemrs/internal/rpc"
	"procodus.dev/hemrs/internal/store"
	"procodus.dev/hemrs/pkg/logger"
	"procodus.dev/hemrs/pkg/metrics"
	"procodus.dev/hemrs/pkg/mq"
)

// Store and cache drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Store configuration; DB is required for DriverPostgres
	StoreDriver string
	DB          *store.DBConfig

	// Cache configuration
	CacheDriver   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// HTTP and gRPC configuration; a zero gRPC port disables gRPC
	HTTPPort    int
	GRPCPort    int
	CORSOrigins []string

	// RabbitMQ configuration; an empty URL disables AMQP ingestion
	RabbitMQURL string
	QueueName   string

	// MQTT configuration; an empty broker disables MQTT ingestion
	MQTTBroker   string
	MQTTTopic    string
	MQTTEmbedded bool
	MQTTListen   string

	// Exporter configuration
	ExporterInterval  time.Duration
	ExporterFreshness time.Duration

	// Registerer and Gatherer default to metrics.Registry
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Server represents the hemrs process.
type Server struct {
	logger   *slog.Logger
	config   *ServerConfig
	store    store.Store
	cache    cache.Latest
	broker   *ingest.Broker
	consumer *ingest.AMQPConsumer
	mqtt     *ingest.MQTTSubscriber
	exporter *exporter.Exporter
	http     *api.Server
	grpc     *rpc.Server
	wg       sync.WaitGroup
}

// NewServer validates cfg and creates a new Server instance. Nothing is
// connected until Run.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.StoreDriver == "" {
		cfg.StoreDriver = DriverMemory
	}
	if !slices.Contains([]string{DriverMemory, DriverPostgres}, cfg.StoreDriver) {
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	if cfg.StoreDriver == DriverPostgres && cfg.DB == nil {
		return nil, errors.New("database config cannot be nil for the postgres store")
	}

	if cfg.CacheDriver == "" {
		cfg.CacheDriver = DriverMemory
	}
	if !slices.Contains([]string{DriverMemory, DriverRedis}, cfg.CacheDriver) {
		return nil, fmt.Errorf("unknown cache driver %q", cfg.CacheDriver)
	}

	if cfg.CacheDriver == DriverRedis && cfg.RedisAddr == "" {
		return nil, errors.New("redis address cannot be empty for the redis cache")
	}

	// Sensor ids of a memory store restart at 1, so a shared cache would
	// serve the previous process's readings under reused ids.
	if cfg.StoreDriver == DriverMemory && cfg.CacheDriver == DriverRedis {
		return nil, errors.New("redis cache cannot be combined with the memory store")
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return nil, errors.New("HTTP port must be between 1 and 65535")
	}

	if cfg.GRPCPort < 0 || cfg.GRPCPort > 65535 {
		return nil, errors.New("gRPC port must be between 0 and 65535")
	}

	if cfg.RabbitMQURL != "" && cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	if cfg.MQTTEmbedded && cfg.MQTTListen == "" {
		return nil, errors.New("mqtt listen address cannot be empty for the embedded broker")
	}

	if cfg.Registerer == nil {
		cfg.Registerer = metrics.Registry
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = metrics.Registry
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts every component and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting hemrs server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	errs, err := s.start(ctx)
	if err != nil {
		cancel()
		if shutdownErr := s.Shutdown(); shutdownErr != nil {
			s.logger.Error("shutdown after failed start", "error", shutdownErr)
		}
		return err
	}

	s.logger.Info("hemrs server started successfully")

	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case runErr = <-errs:
		s.logger.Error("server error", "error", runErr)
	}
	cancel()

	if err := s.Shutdown(); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// start builds the components bottom up and launches the servers. Errors
// from the running servers arrive on the returned channel.
func (s *Server) start(ctx context.Context) (<-chan error, error) {
	reg := s.config.Registerer

	if err := s.openStore(metrics.NewStoreMetricsWith(reg, metrics.Namespace)); err != nil {
		return nil, err
	}

	if err := s.openCache(ctx); err != nil {
		return nil, err
	}

	engine, err := query.NewEngine(&query.Config{
		Logger: logger.ForComponent(s.logger, "query"),
		Store:  s.store,
		Cache:  s.cache,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize query engine: %w", err)
	}

	ingester, err := ingest.NewIngester(&ingest.Config{
		Logger:  logger.ForComponent(s.logger, "ingester"),
		Store:   s.store,
		Cache:   s.cache,
		Metrics: metrics.NewIngestMetricsWith(reg, metrics.Namespace),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ingester: %w", err)
	}

	if err := s.startIngestion(ctx, ingester, reg); err != nil {
		return nil, err
	}

	s.exporter, err = exporter.New(&exporter.Config{
		Logger:    logger.ForComponent(s.logger, "exporter"),
		Query:     engine,
		Metrics:   metrics.NewTelemetryMetricsWith(reg, metrics.Namespace),
		Interval:  s.config.ExporterInterval,
		Freshness: s.config.ExporterFreshness,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize exporter: %w", err)
	}
	s.exporter.Start(ctx)

	if gs, ok := s.store.(*store.GormStore); ok {
		s.wg.Add(1)
		go s.reportPoolStats(ctx, gs)
	}

	apiMetrics := metrics.NewAPIMetricsWith(reg, metrics.Namespace)

	s.http, err = api.NewServer(&api.ServerConfig{
		Logger:      logger.ForComponent(s.logger, "http"),
		Query:       engine,
		Writer:      s.store,
		Ingester:    ingester,
		Metrics:     apiMetrics,
		Gatherer:    s.config.Gatherer,
		CORSOrigins: s.config.CORSOrigins,
		HTTPPort:    s.config.HTTPPort,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	if s.config.GRPCPort > 0 {
		s.grpc, err = rpc.NewServer(&rpc.ServerConfig{
			Logger:   logger.ForComponent(s.logger, "grpc"),
			Query:    engine,
			Metrics:  apiMetrics,
			GRPCPort: s.config.GRPCPort,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gRPC server: %w", err)
		}
	}

	errs := make(chan error, 2)
	s.serve(ctx, errs, "HTTP", s.http.Run)
	if s.grpc != nil {
		s.serve(ctx, errs, "gRPC", s.grpc.Run)
	}
	return errs, nil
}

func (s *Server) serve(ctx context.Context, errs chan<- error, name string, run func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(ctx); err != nil {
			errs <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
}

func (s *Server) openStore(m *metrics.StoreMetrics) error {
	if s.config.StoreDriver == DriverMemory {
		s.logger.Warn("using the in-memory store; data is lost on restart")
		s.store = store.NewMemoryStore()
		return nil
	}

	dbCfg := *s.config.DB
	dbCfg.Logger = logger.ForComponent(s.logger, "database")

	db, err := store.NewDB(&dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	gs, err := store.NewGormStore(&store.GormStoreConfig{
		Logger:  dbCfg.Logger,
		DB:      db,
		Metrics: m,
	})
	if err != nil {
		_ = store.CloseDB(db, dbCfg.Logger)
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	s.store = gs

	s.logger.Info("database initialized successfully")
	return nil
}

func (s *Server) openCache(ctx context.Context) error {
	if s.config.CacheDriver == DriverMemory {
		s.cache = cache.NewMemory()
		return nil
	}

	redisCache, err := cache.NewRedis(ctx, &cache.RedisConfig{
		Logger:   logger.ForComponent(s.logger, "cache"),
		Addr:     s.config.RedisAddr,
		Password: s.config.RedisPassword,
		DB:       s.config.RedisDB,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	s.cache = redisCache
	return nil
}

func (s *Server) startIngestion(ctx context.Context, ingester *ingest.Ingester, reg prometheus.Registerer) error {
	if s.config.MQTTEmbedded {
		broker, err := ingest.NewBroker(&ingest.BrokerConfig{
			Logger:  s.logger,
			Address: s.config.MQTTListen,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize mqtt broker: %w", err)
		}
		if err := broker.Start(); err != nil {
			return err
		}
		s.broker = broker
	}

	if s.config.MQTTBroker != "" {
		sub, err := ingest.NewMQTTSubscriber(&ingest.MQTTSubscriberConfig{
			Logger:   logger.ForComponent(s.logger, "mqtt-subscriber"),
			Ingester: ingester,
			Broker:   s.config.MQTTBroker,
			Topic:    s.config.MQTTTopic,
			QoS:      1,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize mqtt subscriber: %w", err)
		}
		if err := sub.Start(ctx); err != nil {
			return fmt.Errorf("failed to start mqtt subscriber: %w", err)
		}
		s.mqtt = sub
	}

	if s.config.RabbitMQURL != "" {
		client, err := mq.New(&mq.Config{
			Logger:  logger.ForComponent(s.logger, "mq-client"),
			Metrics: metrics.NewMQMetricsWith(reg, metrics.Namespace),
			URL:     s.config.RabbitMQURL,
			Queue:   s.config.QueueName,
			Durable: true,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize mq client: %w", err)
		}

		consumer, err := ingest.NewAMQPConsumer(&ingest.AMQPConsumerConfig{
			Logger:   logger.ForComponent(s.logger, "amqp-consumer"),
			Client:   client,
			Ingester: ingester,
		})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to initialize consumer: %w", err)
		}
		s.consumer = consumer

		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start consumer: %w", err)
		}
	}

	return nil
}

func (s *Server) reportPoolStats(ctx context.Context, gs *store.GormStore) {
	defer s.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		gs.Stats()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Shutdown stops the components in reverse order. The servers stop on
// context cancellation; Shutdown waits for them before closing the store.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down hemrs server")

	var shutdownErr error

	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			s.logger.Error("failed to stop consumer", "error", err)
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("consumer shutdown error: %w", err))
		}
	}

	if s.mqtt != nil {
		s.mqtt.Stop()
	}

	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			s.logger.Error("failed to stop mqtt broker", "error", err)
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("broker shutdown error: %w", err))
		}
	}

	s.wg.Wait()
	if s.exporter != nil {
		s.exporter.Wait()
	}

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("failed to close cache", "error", err)
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("cache close error: %w", err))
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "error", err)
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("store close error: %w", err))
		}
	}

	if shutdownErr != nil {
		s.logger.Error("hemrs server shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("hemrs server shutdown completed successfully")
	return nil
}
