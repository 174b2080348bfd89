// Package mock provides an in-memory mq.ClientInterface for tests.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/hemrs/pkg/mq"
)

// Published records one Publish or UnsafePublish call.
type Published struct {
	Ctx         context.Context
	ContentType string
	Body        []byte
	Confirmed   bool
}

// MockClient records calls and returns configured results.
type MockClient struct {
	mu sync.Mutex

	// PublishFunc overrides Publish and UnsafePublish when set.
	PublishFunc func(ctx context.Context, contentType string, body []byte) error
	// PublishError is returned by Publish when PublishFunc is nil.
	PublishError error
	Published    []Published

	// WaitReadyError is returned by WaitReady.
	WaitReadyError error

	// Deliveries is returned by Consume.
	Deliveries   chan amqp.Delivery
	ConsumeError error
	ConsumeCalls int

	CloseError error
	CloseCalls int
}

// NewMockClient creates a MockClient whose deliveries channel is unbuffered.
func NewMockClient() *MockClient {
	return &MockClient{
		Deliveries: make(chan amqp.Delivery),
	}
}

// WaitReady implements mq.ClientInterface.
func (m *MockClient) WaitReady(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.WaitReadyError
}

// Publish implements mq.ClientInterface.
func (m *MockClient) Publish(ctx context.Context, contentType string, body []byte) error {
	return m.record(ctx, contentType, body, true)
}

// UnsafePublish implements mq.ClientInterface.
func (m *MockClient) UnsafePublish(ctx context.Context, contentType string, body []byte) error {
	return m.record(ctx, contentType, body, false)
}

func (m *MockClient) record(ctx context.Context, contentType string, body []byte, confirmed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Published = append(m.Published, Published{
		Ctx:         ctx,
		ContentType: contentType,
		Body:        body,
		Confirmed:   confirmed,
	})

	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, contentType, body)
	}
	return m.PublishError
}

// Consume implements mq.ClientInterface.
func (m *MockClient) Consume(int) (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConsumeCalls++
	if m.ConsumeError != nil {
		return nil, m.ConsumeError
	}
	return m.Deliveries, nil
}

// Close implements mq.ClientInterface.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	return m.CloseError
}

// PublishedCount returns the number of recorded publications.
func (m *MockClient) PublishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Published)
}

// Snapshot returns a copy of the recorded publications.
func (m *MockClient) Snapshot() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Published, len(m.Published))
	copy(out, m.Published)
	return out
}

// Reset clears the recorded calls.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Published = nil
	m.ConsumeCalls = 0
	m.CloseCalls = 0
}

var _ mq.ClientInterface = (*MockClient)(nil)
