package ingest

import (
	"errors"
	"fmt"
	"log/slog"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// BrokerConfig holds the configuration for the embedded broker.
type BrokerConfig struct {
	Logger  *slog.Logger
	Address string // e.g. :1883
}

// Broker is an embedded MQTT broker for installs without their own.
type Broker struct {
	logger  *slog.Logger
	server  *mqtt.Server
	address string
}

// NewBroker creates a broker listening on cfg.Address once started.
func NewBroker(cfg *BrokerConfig) (*Broker, error) {
	if cfg == nil {
		return nil, errors.New("broker config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Address == "" {
		return nil, errors.New("broker address cannot be empty")
	}

	logger := cfg.Logger.With("component", "mqtt-broker")
	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       logger,
	})

	// Sensor boards on the home network connect without credentials.
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("failed to add auth hook: %w", err)
	}

	if err := server.AddHook(&connectionHook{logger: logger}, nil); err != nil {
		return nil, fmt.Errorf("failed to add connection hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "hemrs-tcp",
		Address: cfg.Address,
	})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("failed to add tcp listener: %w", err)
	}

	return &Broker{logger: logger, server: server, address: cfg.Address}, nil
}

// Start begins accepting clients. It returns once the listeners are up.
func (b *Broker) Start() error {
	b.logger.Info("starting mqtt broker", "address", b.address)
	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("failed to start mqtt broker: %w", err)
	}
	return nil
}

// Publish delivers a message to subscribers from inside the process.
func (b *Broker) Publish(topic string, payload []byte) error {
	return b.server.Publish(topic, payload, false, 0)
}

// Close disconnects all clients and stops the listeners.
func (b *Broker) Close() error {
	b.logger.Info("stopping mqtt broker")
	return b.server.Close()
}

// connectionHook logs client connects and disconnects.
type connectionHook struct {
	mqtt.HookBase
	logger *slog.Logger
}

func (h *connectionHook) ID() string {
	return "hemrs-connection-log"
}

func (h *connectionHook) Provides(b byte) bool {
	return b == mqtt.OnConnect || b == mqtt.OnDisconnect
}

func (h *connectionHook) OnConnect(cl *mqtt.Client, _ packets.Packet) error {
	h.logger.Info("mqtt client connected", "client_id", cl.ID)
	return nil
}

func (h *connectionHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.logger.Info("mqtt client disconnected", "client_id", cl.ID, "error", err, "expire", expire)
}
