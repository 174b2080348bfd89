package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"procodus.dev/hemrs/internal/query"
	"procodus.dev/hemrs/pkg/metrics"
)

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger   *slog.Logger
	Query    *query.Engine
	Metrics  *metrics.APIMetrics // Optional
	GRPCPort int
}

// Server serves the Telemetry service and the standard health service.
type Server struct {
	logger     *slog.Logger
	service    *TelemetryServiceImpl
	health     *health.Server
	grpcServer *grpc.Server
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

	if cfg.GRPCPort < 0 || cfg.GRPCPort > 65535 {
		return nil, errors.New("gRPC port must be between 0 and 65535")
	}

	service, err := NewTelemetryService(cfg.Logger, cfg.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gRPC service: %w", err)
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(UnaryServerInterceptor(cfg.Logger, cfg.Metrics)))
	grpcServer.RegisterService(&ServiceDesc, service)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &Server{
		logger:     cfg.Logger,
		service:    service,
		health:     healthServer,
		grpcServer: grpcServer,
		config:     cfg,
	}, nil
}

// Run serves gRPC on the configured port until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	grpcAddr := fmt.Sprintf(":%d", s.config.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("starting gRPC server", "address", lis.Addr().String())

	grpcErr := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			grpcErr <- fmt.Errorf("gRPC server error: %w", err)
		}
		close(grpcErr)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-grpcErr:
		if err != nil {
			s.logger.Error("gRPC server error", "error", err)
			return err
		}
	}

	s.Shutdown()
	return nil
}

// Shutdown marks the service as not serving and stops gracefully.
func (s *Server) Shutdown() {
	s.logger.Info("stopping gRPC server")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.logger.Info("gRPC server stopped")
}
