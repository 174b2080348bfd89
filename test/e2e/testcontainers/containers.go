// Package testcontainers starts the PostgreSQL, RabbitMQ and Redis containers
// the e2e suites run against.
package testcontainers

import (
	"context"
	"fmt"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
)

// start runs req and resolves the host and mapped port of exposed. The
// container is terminated when the address cannot be resolved.
func start(ctx context.Context, req testcontainers.ContainerRequest, exposed nat.Port) (testcontainers.Container, string, int, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to start %s container: %w", req.Image, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, "", 0, terminate(ctx, container, fmt.Errorf("failed to get container host: %w", err))
	}

	port, err := container.MappedPort(ctx, exposed)
	if err != nil {
		return nil, "", 0, terminate(ctx, container, fmt.Errorf("failed to get container port: %w", err))
	}

	return container, host, port.Int(), nil
}

func terminate(ctx context.Context, container testcontainers.Container, cause error) error {
	if err := container.Terminate(ctx); err != nil {
		return fmt.Errorf("%w (cleanup error: %w)", cause, err)
	}
	return cause
}
