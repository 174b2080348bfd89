package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisConfig holds configuration for Redis test container.
type RedisConfig struct {
	// ContainerName is the name of the container (optional)
	ContainerName string
}

// StartRedis starts a Redis container and returns its host:port address.
func StartRedis(ctx context.Context, config *RedisConfig) (testcontainers.Container, string, error) {
	if config == nil {
		config = &RedisConfig{}
	}

	container, host, port, err := start(ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
		Name: config.ContainerName,
	}, "6379/tcp")
	if err != nil {
		return nil, "", err
	}

	return container, fmt.Sprintf("%s:%d", host, port), nil
}
