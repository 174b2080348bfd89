package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/hemrs/pkg/mq"
)

// AMQPConsumerConfig holds the configuration for the AMQPConsumer.
type AMQPConsumerConfig struct {
	Logger   *slog.Logger
	Client   mq.ClientInterface
	Ingester *Ingester
	Prefetch int
}

// AMQPConsumer feeds measurements from a RabbitMQ queue into the Ingester.
type AMQPConsumer struct {
	logger   *slog.Logger
	client   mq.ClientInterface
	ingester *Ingester
	prefetch int
	wg       sync.WaitGroup
}

// NewAMQPConsumer creates an AMQPConsumer.
func NewAMQPConsumer(cfg *AMQPConsumerConfig) (*AMQPConsumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	if cfg.Ingester == nil {
		return nil, errors.New("ingester cannot be nil")
	}

	return &AMQPConsumer{
		logger:   cfg.Logger,
		client:   cfg.Client,
		ingester: cfg.Ingester,
		prefetch: cfg.Prefetch,
	}, nil
}

// Start waits for the connection and processes deliveries in the background
// until ctx is canceled or the deliveries channel closes.
func (c *AMQPConsumer) Start(ctx context.Context) error {
	c.logger.Info("starting amqp consumer")

	if err := c.client.WaitReady(ctx); err != nil {
		return fmt.Errorf("failed to wait for mq connection: %w", err)
	}

	deliveries, err := c.client.Consume(c.prefetch)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.processMessages(ctx, deliveries)
	}()

	c.logger.Info("amqp consumer started, waiting for messages")
	return nil
}

// processMessages drains deliveries and, when the channel is lost to a
// reconnect, subscribes again once the client is ready.
func (c *AMQPConsumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping message processing")
			return

		case delivery, ok := <-deliveries:
			if ok {
				c.handleDelivery(ctx, delivery)
				continue
			}

			c.logger.Warn("deliveries channel closed, resubscribing")
			next, err := c.resubscribe(ctx)
			if err != nil {
				c.logger.Info("stopping message processing", "reason", err)
				return
			}
			deliveries = next
		}
	}
}

func (c *AMQPConsumer) resubscribe(ctx context.Context) (<-chan amqp.Delivery, error) {
	for {
		if err := c.client.WaitReady(ctx); err != nil {
			return nil, err
		}
		deliveries, err := c.client.Consume(c.prefetch)
		if err == nil {
			return deliveries, nil
		}
		if !errors.Is(err, mq.ErrNotConnected) {
			return nil, err
		}
	}
}

// handleDelivery acks stored and permanently rejected messages and requeues
// the rest.
func (c *AMQPConsumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	msg, err := Decode(delivery.ContentType, delivery.Body)
	if err == nil {
		_, err = c.ingester.Ingest(ctx, SourceAMQP, msg)
	}

	if err != nil && !IsPermanent(err) {
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
		}
		return
	}

	if err != nil {
		c.logger.Warn("dropping message", "delivery_tag", delivery.DeliveryTag, "error", err)
	}
	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "error", ackErr)
	}
}

// Stop closes the MQ client and waits for the processing goroutine.
func (c *AMQPConsumer) Stop() error {
	c.logger.Info("stopping amqp consumer")

	err := c.client.Close()
	c.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close mq client: %w", err)
	}

	c.logger.Info("amqp consumer stopped")
	return nil
}
