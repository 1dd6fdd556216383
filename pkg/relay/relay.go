package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/mash-protocol/upnp-bridge/pkg/bus"
	"github.com/mash-protocol/upnp-bridge/pkg/gena"
	"github.com/mash-protocol/upnp-bridge/pkg/log"
	"github.com/mash-protocol/upnp-bridge/pkg/metrics"
	"github.com/mash-protocol/upnp-bridge/pkg/registry"
)

// DefaultPrefix is the first topic level.
const DefaultPrefix = "upnp"

// DefaultPublishTimeout bounds one bus publish.
const DefaultPublishTimeout = 5 * time.Second

// EventPayload is the JSON body of a property-change message.
type EventPayload struct {
	Body map[string]string `json:"body"`
}

// AvailabilityPayload is the JSON body of an availability message.
type AvailabilityPayload struct {
	Available bool `json:"available"`
}

// Normalize flattens properties into one map. A repeated name keeps its
// last value.
func Normalize(props []gena.Property) map[string]string {
	out := make(map[string]string, len(props))
	for _, p := range props {
		out[p.Name] = p.Value
	}
	return out
}

// Topic returns <prefix>/<udn>/<serviceID>.
func Topic(prefix, udn, serviceID string) string {
	return prefix + "/" + udn + "/" + serviceID
}

// AvailabilityTopic returns <prefix>/<udn>.
func AvailabilityTopic(prefix, udn string) string {
	return prefix + "/" + udn
}

// Config configures a Relay.
type Config struct {
	Prefix             string
	RetainAvailability bool
	PublishTimeout     time.Duration
}

// Relay publishes notifications and availability to the bus.
type Relay struct {
	cfg       Config
	registry  *registry.Registry
	publisher bus.Publisher
	logger    zerolog.Logger
	tracer    log.Logger
	metrics   *metrics.Metrics
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

// WithTracer sets the trace sink.
func WithTracer(tracer log.Logger) Option {
	return func(r *Relay) { r.tracer = tracer }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// New returns a Relay routing through reg and publishing to publisher.
func New(cfg Config, reg *registry.Registry, publisher bus.Publisher, opts ...Option) *Relay {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	r := &Relay{
		cfg:       cfg,
		registry:  reg,
		publisher: publisher,
		logger:    zerolog.Nop(),
		tracer:    log.NoopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle routes and publishes a notification. Notifications with an
// unknown SID are dropped.
func (r *Relay) Handle(n gena.Notification) {
	route, ok := r.registry.Route(n.SID)
	if !ok {
		r.metrics.Unrouted()
		r.logger.Debug().Str("sid", n.SID).Uint32("seq", n.Seq).Msg("notification without route dropped")
		return
	}

	body := Normalize(n.Properties)
	r.metrics.Notification(route.ServiceID)
	r.tracer.Log(log.Event{
		Timestamp:    n.Received,
		Category:     log.CategoryNotification,
		USN:          route.USN,
		UDN:          route.UDN,
		ServiceID:    route.ServiceID,
		SID:          n.SID,
		Notification: &log.NotificationEvent{Seq: n.Seq, Properties: body},
	})

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PublishTimeout)
	defer cancel()
	if err := r.Publish(ctx, route.UDN, route.ServiceID, body); err != nil {
		r.logger.Warn().Err(err).
			Str("udn", route.UDN).
			Str("service_id", route.ServiceID).
			Uint32("seq", n.Seq).
			Msg("notification publish failed")
	}
}

// Publish sends body on the service topic of udn.
func (r *Relay) Publish(ctx context.Context, udn, serviceID string, body map[string]string) error {
	payload, err := json.Marshal(EventPayload{Body: body})
	if err != nil {
		return err
	}
	return r.send(ctx, udn, serviceID, bus.Message{
		Topic:   Topic(r.cfg.Prefix, udn, serviceID),
		Payload: payload,
	})
}

// Announce publishes the availability of udn.
func (r *Relay) Announce(ctx context.Context, udn string, available bool) error {
	payload, err := json.Marshal(AvailabilityPayload{Available: available})
	if err != nil {
		return err
	}
	return r.send(ctx, udn, "", bus.Message{
		Topic:   AvailabilityTopic(r.cfg.Prefix, udn),
		Payload: payload,
		Retain:  r.cfg.RetainAvailability,
	})
}

func (r *Relay) send(ctx context.Context, udn, serviceID string, msg bus.Message) error {
	if err := r.publisher.Publish(ctx, msg); err != nil {
		r.metrics.PublishError()
		r.tracer.Log(log.Event{
			Timestamp: time.Now(),
			Category:  log.CategoryError,
			UDN:       udn,
			ServiceID: serviceID,
			Error:     &log.ErrorEventData{Stage: "publish", Message: err.Error()},
		})
		return err
	}
	r.tracer.Log(log.Event{
		Timestamp: time.Now(),
		Category:  log.CategoryPublish,
		UDN:       udn,
		ServiceID: serviceID,
		Publish:   &log.PublishEvent{Topic: msg.Topic, Size: len(msg.Payload), Retain: msg.Retain},
	})
	return nil
}
