package rpc

import (
	"context"
	"log/slog"
	"path"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"procodus.dev/hemrs/pkg/metrics"
)

// UnaryServerInterceptor records request metrics and logs every call. m may be nil.
func UnaryServerInterceptor(logger *slog.Logger, m *metrics.APIMetrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)

		method := path.Base(info.FullMethod)
		code := status.Code(err)

		if m != nil {
			m.RPCRequestsTotal.WithLabelValues(method, code.String()).Inc()
			m.RPCRequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
		}

		logger.Debug("grpc request",
			"method", method,
			"code", code.String(),
			"duration", elapsed,
		)
		return resp, err
	}
}
