// Package api serves the telemetry read API and the provisioning and
// submission endpoints over HTTP/JSON.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/hemrs/internal/ingest"
	"procodus.dev/hemrs/internal/query"
	"procodus.dev/hemrs/internal/store"
	"procodus.dev/hemrs/pkg/metrics"
)

const (
	requestTimeout = 5 * time.Second
	maxBodyBytes   = 1 << 20
)

// ServerConfig holds the configuration for the Server. The server reads
// nothing from the environment.
type ServerConfig struct {
	Logger *slog.Logger
	Query  *query.Engine

	// Writer and Ingester enable the write endpoints. Without them the
	// server is read only.
	Writer   store.Writer
	Ingester *ingest.Ingester

	Metrics  *metrics.APIMetrics // Optional
	Gatherer prometheus.Gatherer // Defaults to metrics.Registry

	CORSOrigins []string
	HTTPPort    int
}

// Server is the HTTP API server.
type Server struct {
	logger     *slog.Logger
	query      *query.Engine
	writer     store.Writer
	ingester   *ingest.Ingester
	metrics    *metrics.APIMetrics
	gatherer   prometheus.Gatherer
	httpServer *http.Server
	config     *ServerConfig
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Query == nil {
		return nil, errors.New("query engine cannot be nil")
	}

	if cfg.HTTPPort < 0 || cfg.HTTPPort > 65535 {
		return nil, errors.New("HTTP port must be between 0 and 65535")
	}

	if (cfg.Writer == nil) != (cfg.Ingester == nil) {
		return nil, errors.New("writer and ingester must be set together")
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = metrics.Registry
	}

	return &Server{
		logger:   cfg.Logger,
		query:    cfg.Query,
		writer:   cfg.Writer,
		ingester: cfg.Ingester,
		metrics:  cfg.Metrics,
		gatherer: gatherer,
		config:   cfg,
	}, nil
}

// Handler returns the complete HTTP handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.instrument(withCORS(s.config.CORSOrigins, s.setupRoutes()))
}

// Run serves HTTP until ctx is canceled or the listener fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.HTTPPort, err)
	}
	return s.Serve(ctx, lis)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", lis.Addr().String())

	httpErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(httpErr)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("HTTP server error", "error", err)
			return err
		}
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("stopping HTTP server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.Handle("GET /metrics", metrics.HandlerFor(s.gatherer))

	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /api/devices/{device_id}", s.handleDevice)
	mux.HandleFunc("GET /api/devices/{device_id}/sensors", s.handleSensorsOf)
	mux.HandleFunc("GET /api/devices/{device_id}/measurements", s.handleMeasurementsOfDevice)
	mux.HandleFunc("GET /api/devices/{device_id}/sensors/{sensor_id}/measurements", s.handleMeasurementsOf)
	mux.HandleFunc("GET /api/devices/{device_id}/sensors/{sensor_id}/measurements/latest", s.handleLatestOf)
	mux.HandleFunc("GET /api/devices/{device_id}/sensors/{sensor_id}/measurements/stats", s.handleStatsOf)
	mux.HandleFunc("GET /api/sensors", s.handleSensors)
	mux.HandleFunc("GET /api/measurements/count", s.handleMeasurementCount)
	mux.HandleFunc("GET /api/measurements/latest", s.handleLatest)
	mux.HandleFunc("GET /api/measurements/latest/all", s.handleLatestPerSensor)

	if s.writer != nil {
		mux.HandleFunc("POST /api/devices", s.handleCreateDevice)
		mux.HandleFunc("PUT /api/devices/{device_id}", s.handleUpdateDevice)
		mux.HandleFunc("POST /api/sensors", s.handleCreateSensor)
		mux.HandleFunc("POST /api/measurements", s.handleSubmitMeasurement)
	}

	return mux
}
