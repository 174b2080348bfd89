// Package mq is a RabbitMQ client that reconnects on its own and publishes
// with confirmations, used to move measurements between the producer and the
// ingestion consumer.
package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/hemrs/pkg/metrics"
)

const (
	reconnectDelay = 5 * time.Second
	reInitDelay    = 2 * time.Second

	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 10 * time.Second
	backoffMultiplier = 2
	maxRetryAttempts  = 5
)

// Content types understood by the ingestion consumer.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/protobuf"
)

var (
	// ErrNotConnected is returned by UnsafePublish and Consume before the channel is ready.
	ErrNotConnected = errors.New("not connected to a server")
	// ErrShutdown is returned by calls interrupted by Close.
	ErrShutdown = errors.New("client is shutting down")
	// ErrMaxRetriesExceeded is returned when Publish gives up.
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

// Config holds the configuration for the Client.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.MQMetrics // Optional metrics
	URL     string
	Queue   string
	Durable bool
}

// Client publishes to and consumes from a single queue. A background
// goroutine owns the connection and re-establishes it after failures.
type Client struct {
	mu              sync.Mutex
	logger          *slog.Logger
	metrics         *metrics.MQMetrics
	connection      *amqp.Connection
	channel         *amqp.Channel
	ready           chan struct{}
	done            chan struct{}
	closeOnce       sync.Once
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	queue           string
	durable         bool
	isReady         bool
}

var _ ClientInterface = (*Client)(nil)

// New validates cfg and starts connecting in the background.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("mq config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.URL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.Queue == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	client := &Client{
		logger:  cfg.Logger.With("queue", cfg.Queue),
		metrics: cfg.Metrics,
		queue:   cfg.Queue,
		durable: cfg.Durable,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go client.handleReconnect(cfg.URL)
	return client, nil
}

// handleReconnect dials until it succeeds, then hands the connection to
// handleReInit and starts over when the connection drops.
func (c *Client) handleReconnect(addr string) {
	for {
		c.setReady(false)
		c.logger.Info("attempting to connect")

		if c.metrics != nil {
			c.metrics.ReconnectAttempts.Inc()
		}

		conn, err := c.connect(addr)
		if err != nil {
			c.logger.Error("failed to connect, retrying", "error", err)

			select {
			case <-c.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := c.handleReInit(conn); done {
			return
		}
	}
}

func (c *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		if c.metrics != nil {
			c.metrics.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	c.mu.Lock()
	c.connection = conn
	c.notifyConnClose = make(chan *amqp.Error, 1)
	conn.NotifyClose(c.notifyConnClose)
	c.mu.Unlock()

	c.logger.Info("connected")
	if c.metrics != nil {
		c.metrics.ConnectionStatus.Set(1)
	}
	return conn, nil
}

// handleReInit reopens the channel after channel errors. It reports true
// when the client was closed.
func (c *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		c.setReady(false)

		if err := c.init(conn); err != nil {
			c.logger.Error("failed to initialize channel, retrying", "error", err)

			select {
			case <-c.done:
				return true
			case <-c.notifyConnClose:
				c.logger.Info("connection closed, reconnecting")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-c.done:
			return true
		case <-c.notifyConnClose:
			c.logger.Info("connection closed, reconnecting")
			return false
		case <-c.notifyChanClose:
			c.logger.Info("channel closed, re-running init")
		}
	}
}

func (c *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(
		c.queue,
		c.durable,
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,
	); err != nil {
		return err
	}

	c.mu.Lock()
	c.channel = ch
	c.notifyChanClose = make(chan *amqp.Error, 1)
	c.notifyConfirm = make(chan amqp.Confirmation, 1)
	ch.NotifyClose(c.notifyChanClose)
	ch.NotifyPublish(c.notifyConfirm)
	c.mu.Unlock()

	c.setReady(true)
	c.logger.Info("client init done")
	return nil
}

// setReady flips the ready state and the channel WaitReady blocks on.
func (c *Client) setReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ready == c.isReady {
		return
	}
	c.isReady = ready
	if ready {
		close(c.ready)
	} else {
		c.ready = make(chan struct{})
	}
}

// WaitReady blocks until the channel is usable, ctx ends or the client closes.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrShutdown
	}
}

// Publish sends body and waits for the broker to confirm it. While the
// client is disconnected it retries with exponential backoff and gives up
// after maxRetryAttempts.
func (c *Client) Publish(ctx context.Context, contentType string, body []byte) error {
	if c.metrics != nil {
		timer := prometheus.NewTimer(c.metrics.PushDuration.WithLabelValues(c.queue))
		defer timer.ObserveDuration()
	}

	b := newBackoff()
	for {
		if b.attempts >= maxRetryAttempts {
			c.logger.Error("maximum retry attempts exceeded", "max_attempts", maxRetryAttempts)
			c.recordFailure("max_retries_exceeded")
			return ErrMaxRetriesExceeded
		}

		confirms, err := c.publish(ctx, contentType, body)
		if err != nil {
			c.logger.Warn("publish failed, backing off", "error", err, "backoff", b.delay, "retry_count", b.attempts)
			if err := c.wait(ctx, b.next()); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			c.recordFailure("context_canceled")
			return ctx.Err()
		case <-c.done:
			return ErrShutdown
		case confirm := <-confirms:
			if confirm.Ack {
				if c.metrics != nil {
					c.metrics.MessagesPushed.WithLabelValues(c.queue).Inc()
				}
				c.logger.Debug("publish confirmed", "delivery_tag", confirm.DeliveryTag, "retry_count", b.attempts)
				return nil
			}
			c.logger.Warn("publish not acknowledged, retrying", "delivery_tag", confirm.DeliveryTag)
			if err := c.wait(ctx, b.next()); err != nil {
				return err
			}
		}
	}
}

// UnsafePublish sends body without waiting for a confirmation.
func (c *Client) UnsafePublish(ctx context.Context, contentType string, body []byte) error {
	_, err := c.publish(ctx, contentType, body)
	return err
}

func (c *Client) publish(ctx context.Context, contentType string, body []byte) (<-chan amqp.Confirmation, error) {
	c.mu.Lock()
	if !c.isReady {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	ch, confirms := c.channel, c.notifyConfirm
	c.mu.Unlock()

	mode := amqp.Transient
	if c.durable {
		mode = amqp.Persistent
	}

	err := ch.PublishWithContext(ctx, "", c.queue, false, false, amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: mode,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish: %w", err)
	}
	return confirms, nil
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrShutdown
	case <-time.After(d):
		return nil
	}
}

func (c *Client) recordFailure(reason string) {
	if c.metrics != nil {
		c.metrics.PushFailures.WithLabelValues(c.queue, reason).Inc()
	}
}

// Consume starts delivering queue messages with manual acknowledgement and
// a prefetch of prefetch messages. Callers must Ack or Nack every delivery.
func (c *Client) Consume(prefetch int) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	if !c.isReady {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	ch := c.channel
	c.mu.Unlock()

	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	return ch.Consume(
		c.queue,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,
	)
}

// Close stops reconnecting and shuts the channel and connection down.
// It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isReady {
		return nil
	}
	c.isReady = false

	if c.metrics != nil {
		c.metrics.ConnectionStatus.Set(0)
	}

	if err := c.channel.Close(); err != nil {
		return fmt.Errorf("failed to close channel: %w", err)
	}
	if err := c.connection.Close(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

type backoff struct {
	delay    time.Duration
	attempts int
}

func newBackoff() *backoff {
	return &backoff{delay: initialBackoff}
}

// next returns the delay to wait now and grows it for the following attempt.
func (b *backoff) next() time.Duration {
	d := b.delay
	b.delay = min(b.delay*backoffMultiplier, maxBackoff)
	b.attempts++
	return d
}
