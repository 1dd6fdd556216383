package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Bridge status payloads published on the status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// MQTTConfig configures an MQTTPublisher.
type MQTTConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration

	// StatusTopic, when set, carries a retained online message and a
	// last-will offline message.
	StatusTopic string
}

// mqttClient is the subset of mqtt.Client used by the publisher.
type mqttClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// MQTTPublisher publishes over MQTT with automatic reconnect.
type MQTTPublisher struct {
	client mqttClient
	cfg    MQTTConfig
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewMQTTPublisher connects to the broker and returns a publisher.
func NewMQTTPublisher(cfg MQTTConfig, logger zerolog.Logger) (*MQTTPublisher, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "upnp-bridge-" + uuid.NewString()[:8]
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	p := &MQTTPublisher{cfg: cfg, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetCleanSession(true)
	if cfg.StatusTopic != "" {
		opts.SetWill(cfg.StatusTopic, StatusOffline, cfg.QoS, true)
	}
	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Str("broker", cfg.BrokerURL).Msg("mqtt connection lost")
	})

	p.client = mqtt.NewClient(opts)
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func newMQTTPublisherWithClient(client mqttClient, cfg MQTTConfig, logger zerolog.Logger) *MQTTPublisher {
	return &MQTTPublisher{client: client, cfg: cfg, logger: logger}
}

func (p *MQTTPublisher) connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(p.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt connect %s: timed out after %s", p.cfg.BrokerURL, p.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", p.cfg.BrokerURL, err)
	}
	return nil
}

func (p *MQTTPublisher) onConnect(mqtt.Client) {
	p.logger.Info().Str("broker", p.cfg.BrokerURL).Str("client_id", p.cfg.ClientID).Msg("mqtt connected")
	if p.cfg.StatusTopic == "" {
		return
	}
	// Handlers run on paho's goroutine; do not wait on the token here.
	p.client.Publish(p.cfg.StatusTopic, p.cfg.QoS, true, StatusOnline)
}

// Publish sends msg and waits for the broker acknowledgment or ctx.
func (p *MQTTPublisher) Publish(ctx context.Context, msg Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !p.client.IsConnected() {
		return ErrNotConnected
	}

	token := p.client.Publish(msg.Topic, p.cfg.QoS, msg.Retain, msg.Payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish %s: %w", msg.Topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close publishes the offline status and disconnects.
func (p *MQTTPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.cfg.StatusTopic != "" && p.client.IsConnected() {
		p.client.Publish(p.cfg.StatusTopic, p.cfg.QoS, true, StatusOffline).WaitTimeout(time.Second)
	}
	p.client.Disconnect(250)
	return nil
}

var _ Publisher = (*MQTTPublisher)(nil)
