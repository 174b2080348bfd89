package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ClientInterface is the part of Client used by publishers and consumers.
type ClientInterface interface {
	// WaitReady blocks until the client can publish and consume.
	WaitReady(ctx context.Context) error

	// Publish sends body and blocks until the broker confirms it.
	Publish(ctx context.Context, contentType string, body []byte) error

	// UnsafePublish sends body without waiting for a confirmation.
	UnsafePublish(ctx context.Context, contentType string, body []byte) error

	// Consume delivers queue messages; each must be acked or nacked.
	Consume(prefetch int) (<-chan amqp.Delivery, error)

	Close() error
}
