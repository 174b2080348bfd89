package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultTopic is the filter sensor boards publish under. The last topic
// level may carry the sensor id.
const DefaultTopic = "hemrs/measurements/#"

const (
	connectTimeout = 10 * time.Second
	ingestTimeout  = 5 * time.Second
)

// MQTTSubscriberConfig holds the configuration for the MQTTSubscriber.
type MQTTSubscriberConfig struct {
	Logger   *slog.Logger
	Ingester *Ingester
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	Topic    string
	QoS      byte
}

// MQTTSubscriber feeds JSON measurements published over MQTT into the Ingester.
type MQTTSubscriber struct {
	logger   *slog.Logger
	ingester *Ingester
	client   mqtt.Client
	topic    string
	qos      byte
}

// NewMQTTSubscriber creates an MQTTSubscriber. It does not connect.
func NewMQTTSubscriber(cfg *MQTTSubscriberConfig) (*MQTTSubscriber, error) {
	if cfg == nil {
		return nil, errors.New("mqtt config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Ingester == nil {
		return nil, errors.New("ingester cannot be nil")
	}

	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker cannot be empty")
	}

	s := &MQTTSubscriber{
		logger:   cfg.Logger.With("broker", cfg.Broker),
		ingester: cfg.Ingester,
		topic:    cfg.Topic,
		qos:      cfg.QoS,
	}
	if s.topic == "" {
		s.topic = DefaultTopic
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "hemrs-ingest"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	// Subscriptions do not survive a clean session reconnect, so subscribe on every connect.
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "error", err)
	})
	s.client = mqtt.NewClient(opts)

	return s, nil
}

// Start connects to the broker and subscribes.
func (s *MQTTSubscriber) Start(ctx context.Context) error {
	s.logger.Info("starting mqtt subscriber", "topic", s.topic)

	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	return nil
}

func (s *MQTTSubscriber) onConnect(client mqtt.Client) {
	token := client.Subscribe(s.topic, s.qos, s.handleMessage)
	if token.WaitTimeout(connectTimeout) && token.Error() != nil {
		s.logger.Error("failed to subscribe", "topic", s.topic, "error", token.Error())
		return
	}
	s.logger.Info("subscribed", "topic", s.topic)
}

func (s *MQTTSubscriber) handleMessage(_ mqtt.Client, m mqtt.Message) {
	msg, err := Decode("", m.Payload())
	if err != nil {
		s.logger.Warn("invalid mqtt payload", "topic", m.Topic(), "error", err)
		return
	}

	if msg.SensorID == 0 {
		if id, err := strconv.ParseInt(path.Base(m.Topic()), 10, 64); err == nil {
			msg.SensorID = id
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	// Errors are logged and counted by the ingester.
	_, _ = s.ingester.Ingest(ctx, SourceMQTT, msg)
}

// Stop disconnects from the broker.
func (s *MQTTSubscriber) Stop() {
	s.logger.Info("stopping mqtt subscriber")
	s.client.Disconnect(250)
}
