package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig configures a NATSPublisher.
type NATSConfig struct {
	URL            string
	Name           string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// natsConn is the subset of *nats.Conn used by the publisher.
type natsConn interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
	IsConnected() bool
}

// NATSPublisher publishes on NATS subjects derived from MQTT-style topics.
type NATSPublisher struct {
	conn   natsConn
	logger zerolog.Logger
}

// NewNATSPublisher connects to the NATS server.
func NewNATSPublisher(cfg NATSConfig, logger zerolog.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats connected")
	return &NATSPublisher{conn: nc, logger: logger}, nil
}

// Subject maps an MQTT-style topic to a NATS subject. Dots inside levels
// become underscores, then slashes become dots.
func Subject(topic string) string {
	return strings.ReplaceAll(strings.ReplaceAll(topic, ".", "_"), "/", ".")
}

// Publish sends msg and flushes. Retain is ignored.
func (p *NATSPublisher) Publish(ctx context.Context, msg Message) error {
	if !p.conn.IsConnected() {
		return ErrNotConnected
	}
	subject := Subject(msg.Topic)
	if err := p.conn.Publish(subject, msg.Payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return p.conn.FlushWithContext(ctx)
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

var _ Publisher = (*NATSPublisher)(nil)
