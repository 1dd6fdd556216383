package service

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/mash-protocol/upnp-bridge/pkg/queue"
	"github.com/mash-protocol/upnp-bridge/pkg/relay"
)

// Service errors.
var (
	ErrNotStarted     = errors.New("service not started")
	ErrAlreadyStarted = errors.New("service already started")
	ErrDeviceNotFound = errors.New("device not found")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// ServiceState represents the service state.
type ServiceState uint8

const (
	// StateIdle - service created but not started.
	StateIdle ServiceState = iota

	// StateStarting - service is starting up.
	StateStarting

	// StateRunning - service is running normally.
	StateRunning

	// StateStopping - service is shutting down.
	StateStopping

	// StateStopped - service has stopped.
	StateStopped
)

// String returns the state name.
func (s ServiceState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// BridgeConfig configures a BridgeService.
type BridgeConfig struct {
	// TopicPrefix is the first topic level. Default: "upnp".
	TopicPrefix string

	// RetainAvailability publishes availability messages retained.
	RetainAvailability bool

	// PollInterval is how long the idle queue worker waits between checks.
	PollInterval time.Duration

	// Retry configures the backoff for failed discovery events.
	Retry queue.RetryPolicy

	// RequestTimeout bounds fetch and subscribe of one device and the
	// unsubscribe requests of a teardown.
	RequestTimeout time.Duration

	// PublishTimeout bounds one bus publish.
	PublishTimeout time.Duration

	// Logger is the logger. The zero value discards output.
	Logger zerolog.Logger
}

// DefaultBridgeConfig returns a BridgeConfig with sensible defaults.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		TopicPrefix:        relay.DefaultPrefix,
		RetainAvailability: true,
		PollInterval:       queue.DefaultPollInterval,
		Retry:              queue.DefaultRetryPolicy(),
		RequestTimeout:     10 * time.Second,
		PublishTimeout:     relay.DefaultPublishTimeout,
		Logger:             zerolog.Nop(),
	}
}

// Validate checks if the bridge config is valid.
func (c *BridgeConfig) Validate() error {
	if c.TopicPrefix == "" {
		return ErrInvalidConfig
	}
	if c.PollInterval <= 0 || c.RequestTimeout <= 0 {
		return ErrInvalidConfig
	}
	if c.Retry.Initial <= 0 || c.Retry.Max < c.Retry.Initial {
		return ErrInvalidConfig
	}
	return nil
}

// DeviceInfo is a snapshot of an active device.
type DeviceInfo struct {
	USN           string
	UDN           string
	FriendlyName  string
	Location      string
	State         string
	Subscriptions []SubscriptionInfo
	ActiveSince   time.Time
}

// SubscriptionInfo is a snapshot of one subscription.
type SubscriptionInfo struct {
	SID       string
	ServiceID string
	EventURL  string
	Lease     time.Duration
	Since     time.Time
}

// Status is a snapshot of the bridge.
type Status struct {
	State         ServiceState
	Devices       int
	Subscriptions int
	Pending       int
	Queued        int
	Retries       []queue.Retry
	Guarded       int
}

// EventType identifies a service event.
type EventType uint8

const (
	// EventDiscovered - a device event was queued.
	EventDiscovered EventType = iota

	// EventActivated - every service of a device is subscribed.
	EventActivated

	// EventRemoved - a device was torn down.
	EventRemoved

	// EventFailed - processing or a subscription of a device failed.
	EventFailed
)

// String returns the event type name.
func (e EventType) String() string {
	switch e {
	case EventDiscovered:
		return "DISCOVERED"
	case EventActivated:
		return "ACTIVATED"
	case EventRemoved:
		return "REMOVED"
	case EventFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Event represents a service event.
type Event struct {
	// Type is the event type.
	Type EventType

	// USN is the device USN.
	USN string

	// UDN is the device UDN, once known.
	UDN string

	// ServiceID is set for failures of one service.
	ServiceID string

	// Error is set if the event is an error.
	Error error
}

// EventHandler handles service events.
type EventHandler func(Event)
