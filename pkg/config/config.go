package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mash-protocol/upnp-bridge/pkg/logging"
)

// Environment variable names.
const (
	EnvBroker       = "UPNP_BRIDGE_BROKER"
	EnvLogLevel     = "UPNP_BRIDGE_LOG_LEVEL"
	EnvCallbackHost = "UPNP_BRIDGE_CALLBACK_HOST"
)

// Broker kinds.
const (
	BrokerMQTT = "mqtt"
	BrokerNATS = "nats"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete bridge configuration.
type Config struct {
	Broker       BrokerConfig       `yaml:"broker"`
	Callback     CallbackConfig     `yaml:"callback"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Queue        QueueConfig        `yaml:"queue"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Announce     AnnounceConfig     `yaml:"announce"`
	Log          logging.Config     `yaml:"log"`

	// StateDir holds the known-devices state file. Empty disables persistence.
	StateDir string `yaml:"state_dir"`

	// TraceFile is the bridge trace capture path. Empty disables capture.
	TraceFile string `yaml:"trace_file"`
}

// BrokerConfig selects and configures the message bus.
type BrokerConfig struct {
	// Kind is mqtt or nats.
	Kind string `yaml:"kind"`

	// URL is the broker address, e.g. tcp://openwrt:1883 or nats://localhost:4222.
	URL string `yaml:"url"`

	// ClientID is the MQTT client id. A random suffix is appended when empty.
	ClientID string `yaml:"client_id"`

	// Username and Password are optional broker credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// TopicPrefix is the first topic level. Default: upnp.
	TopicPrefix string `yaml:"topic_prefix"`

	// QoS is the MQTT quality of service for publishes (0-2).
	QoS byte `yaml:"qos"`

	// RetainAvailability publishes availability messages retained.
	RetainAvailability bool `yaml:"retain_availability"`

	// ConnectTimeout bounds the initial broker connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// CallbackConfig configures the GENA NOTIFY callback server.
type CallbackConfig struct {
	// Listen is the HTTP listen address. Default: ":0" (ephemeral port).
	Listen string `yaml:"listen"`

	// AdvertiseHost is the host placed in CALLBACK URLs. When empty the
	// local address routing to each device is used.
	AdvertiseHost string `yaml:"advertise_host"`
}

// SubscriptionConfig configures GENA subscriptions.
type SubscriptionConfig struct {
	// Lease is the requested subscription timeout.
	Lease time.Duration `yaml:"lease"`

	// RequestTimeout bounds each SUBSCRIBE/UNSUBSCRIBE request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ShutdownGrace bounds how long shutdown waits for fired UNSUBSCRIBEs.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// QueueConfig configures the discovery queue worker and retry schedule.
type QueueConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	RetryInitial    time.Duration `yaml:"retry_initial"`
	RetryMax        time.Duration `yaml:"retry_max"`
	RetryMultiplier float64       `yaml:"retry_multiplier"`
}

// DiscoveryConfig configures SSDP discovery.
type DiscoveryConfig struct {
	// SearchTarget is the M-SEARCH ST header. Default: ssdp:all.
	SearchTarget string `yaml:"search_target"`

	// SearchWait is the MX value in seconds.
	SearchWait int `yaml:"search_wait"`

	// SearchInterval repeats M-SEARCH periodically. Zero searches once at start.
	SearchInterval time.Duration `yaml:"search_interval"`

	// Interface restricts the announce side to one network interface.
	Interface string `yaml:"interface"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AnnounceConfig configures DNS-SD self-announcement of the bridge.
type AnnounceConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

// Default returns the configuration with every default applied.
func Default() Config {
	return Config{
		Broker: BrokerConfig{
			Kind:               BrokerMQTT,
			URL:                "tcp://localhost:1883",
			TopicPrefix:        "upnp",
			QoS:                0,
			RetainAvailability: true,
			ConnectTimeout:     10 * time.Second,
		},
		Callback: CallbackConfig{
			Listen: ":0",
		},
		Subscription: SubscriptionConfig{
			Lease:          300 * time.Second,
			RequestTimeout: 10 * time.Second,
			ShutdownGrace:  2 * time.Second,
		},
		Queue: QueueConfig{
			PollInterval:    time.Second,
			RetryInitial:    time.Second,
			RetryMax:        60 * time.Second,
			RetryMultiplier: 2.0,
		},
		Discovery: DiscoveryConfig{
			SearchTarget: "ssdp:all",
			SearchWait:   3,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Announce: AnnounceConfig{
			Instance: "upnp-bridge",
		},
		Log: logging.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults. Environment overrides are applied afterwards.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// ApplyEnv applies environment overrides using getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvBroker)); v != "" {
		c.Broker.URL = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(getenv(EnvCallbackHost)); v != "" {
		c.Callback.AdvertiseHost = v
	}
}

// Validate checks the configuration for values the bridge cannot run with.
func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case BrokerMQTT, BrokerNATS:
	default:
		return fmt.Errorf("%w: unknown broker kind %q", ErrInvalidConfig, c.Broker.Kind)
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("%w: broker url is required", ErrInvalidConfig)
	}
	if c.Broker.QoS > 2 {
		return fmt.Errorf("%w: qos must be 0, 1 or 2", ErrInvalidConfig)
	}
	if c.Broker.TopicPrefix == "" || strings.ContainsAny(c.Broker.TopicPrefix, "#+") {
		return fmt.Errorf("%w: invalid topic prefix %q", ErrInvalidConfig, c.Broker.TopicPrefix)
	}
	if c.Subscription.Lease < time.Second {
		return fmt.Errorf("%w: subscription lease must be at least 1s", ErrInvalidConfig)
	}
	if c.Subscription.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalidConfig)
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	}
	if c.Queue.RetryInitial <= 0 || c.Queue.RetryMax < c.Queue.RetryInitial {
		return fmt.Errorf("%w: retry delays must satisfy 0 < initial <= max", ErrInvalidConfig)
	}
	if c.Queue.RetryMultiplier < 1 {
		return fmt.Errorf("%w: retry multiplier must be >= 1", ErrInvalidConfig)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("%w: metrics path must start with /", ErrInvalidConfig)
	}
	return nil
}
