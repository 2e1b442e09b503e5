package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clawinfra/evovariant/internal/types"
)

// MQTTClient is the subset of the paho client the sink uses, so tests can
// substitute it.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

type pahoClient struct {
	client mqtt.Client
}

func (p *pahoClient) Connect() mqtt.Token     { return p.client.Connect() }
func (p *pahoClient) Disconnect(quiesce uint) { p.client.Disconnect(quiesce) }
func (p *pahoClient) IsConnected() bool       { return p.client.IsConnected() }
func (p *pahoClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return p.client.Publish(topic, qos, retained, payload)
}

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker   string `json:"broker" toml:"broker"`
	Port     int    `json:"port" toml:"port"`
	Username string `json:"username,omitempty" toml:"username"`
	Password string `json:"password,omitempty" toml:"password"`
	// TopicPrefix is followed by /<agent>/<event>.
	TopicPrefix string `json:"topicPrefix" toml:"topicPrefix"`
	QoS         byte   `json:"qos" toml:"qos"`
}

// MQTTSink publishes records as JSON. Emit does not wait for the broker;
// delivery failures are logged from a background goroutine.
type MQTTSink struct {
	cfg           MQTTConfig
	clientID      string
	logger        *slog.Logger
	client        MQTTClient
	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
	wg            sync.WaitGroup
}

// NewMQTT creates an MQTT sink. Call Start before Emit.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) *MQTTSink {
	return NewMQTTWithClient(cfg, logger, func(opts *mqtt.ClientOptions) MQTTClient {
		return &pahoClient{client: mqtt.NewClient(opts)}
	})
}

// NewMQTTWithClient creates an MQTT sink with a custom client factory.
func NewMQTTWithClient(cfg MQTTConfig, logger *slog.Logger, factory func(*mqtt.ClientOptions) MQTTClient) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "evovariant/telemetry"
	}
	return &MQTTSink{
		cfg:           cfg,
		clientID:      fmt.Sprintf("evovariant-telemetry-%d", time.Now().UnixNano()),
		logger:        logger.With("component", "telemetry", "sink", "mqtt"),
		clientFactory: factory,
	}
}

func (m *MQTTSink) Name() string { return "mqtt" }

// Start connects to the broker.
func (m *MQTTSink) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", m.cfg.Broker, m.cfg.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(m.clientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Warn("mqtt connection lost", "error", err)
	})

	m.client = m.clientFactory(opts)

	m.logger.Info("connecting to mqtt broker", "broker", brokerURL)
	token := m.client.Connect()
	timeout := 10 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}
	return nil
}

// Topic returns the topic a record is published on.
func (m *MQTTSink) Topic(rec types.TelemetryRecord) string {
	return fmt.Sprintf("%s/%s/%s", m.cfg.TopicPrefix, rec.Agent, rec.Event)
}

func (m *MQTTSink) Emit(_ context.Context, rec types.TelemetryRecord) error {
	if m.client == nil || !m.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	topic := m.Topic(rec)
	token := m.client.Publish(topic, m.cfg.QoS, false, payload)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if !token.WaitTimeout(5 * time.Second) {
			m.logger.Warn("mqtt publish timeout", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			m.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		}
	}()
	return nil
}

// Close waits for outstanding publishes and disconnects.
func (m *MQTTSink) Close() error {
	m.wg.Wait()
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	return nil
}
