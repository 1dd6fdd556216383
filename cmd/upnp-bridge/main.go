// Command upnp-bridge relays UPnP GENA events to an MQTT or NATS broker.
//
// The bridge discovers devices with SSDP, fetches their descriptions,
// subscribes to every evented service and publishes each notification to
// <prefix>/<UDN>/<serviceId>. Device availability is published to
// <prefix>/<UDN>.
//
// Usage:
//
//	upnp-bridge [flags]
//
// Flags:
//
//	-config string      Configuration file path (YAML)
//	-broker string      Broker URL, overrides UPNP_BRIDGE_BROKER and the config file
//	-log-level string   Log level: trace, debug, info, warn, error
//	-interactive        Enable interactive command mode
//	-state-dir string   Directory for persistent state
//	-reset              Clear persisted state before starting
//	-announce           Announce the bridge via DNS-SD
//
// Examples:
//
//	# Relay to a local Mosquitto
//	upnp-bridge -broker tcp://localhost:1883
//
//	# Remember devices across restarts
//	upnp-bridge -config /etc/upnp-bridge.yaml -state-dir /var/lib/upnp-bridge
//
// Interactive Commands:
//
//	devices     - List active devices and subscriptions
//	status      - Show bridge status and pending retries
//	search      - Send an SSDP M-SEARCH now
//	reprocess <usn> - Re-subscribe a device
//	trace [n]   - Show recent trace events
//	quit        - Exit the bridge
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mash-protocol/upnp-bridge/cmd/upnp-bridge/interactive"
	"github.com/mash-protocol/upnp-bridge/pkg/bus"
	"github.com/mash-protocol/upnp-bridge/pkg/config"
	"github.com/mash-protocol/upnp-bridge/pkg/discovery"
	"github.com/mash-protocol/upnp-bridge/pkg/gena"
	tracelog "github.com/mash-protocol/upnp-bridge/pkg/log"
	"github.com/mash-protocol/upnp-bridge/pkg/logging"
	"github.com/mash-protocol/upnp-bridge/pkg/metrics"
	"github.com/mash-protocol/upnp-bridge/pkg/persistence"
	"github.com/mash-protocol/upnp-bridge/pkg/queue"
	"github.com/mash-protocol/upnp-bridge/pkg/service"
	"github.com/mash-protocol/upnp-bridge/pkg/subscription"
	"github.com/mash-protocol/upnp-bridge/pkg/version"
)

// traceRingSize is the number of trace events kept for the console.
const traceRingSize = 512

var (
	configFile   string
	brokerURL    string
	logLevel     string
	interactMode bool
	stateDir     string
	resetState   bool
	announce     bool
)

func init() {
	flag.StringVar(&configFile, "config", "", "Configuration file path (YAML)")
	flag.StringVar(&brokerURL, "broker", "", "Broker URL (overrides "+config.EnvBroker+")")
	flag.StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	flag.BoolVar(&interactMode, "interactive", false, "Enable interactive command mode")
	flag.StringVar(&stateDir, "state-dir", "", "Directory for persistent state")
	flag.BoolVar(&resetState, "reset", false, "Clear persisted state before starting")
	flag.BoolVar(&announce, "announce", false, "Announce the bridge via DNS-SD")
}

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return service.ExitFatal
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return service.ExitFatal
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging error: %v\n", err)
		return service.ExitFatal
	}
	logger.Info().
		Str("version", version.Version).
		Str("broker", cfg.Broker.URL).
		Str("prefix", cfg.Broker.TopicPrefix).
		Msg("starting upnp-bridge")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Trace sinks: structured log, in-memory ring for the console, optional capture file.
	ring := tracelog.NewRing(traceRingSize)
	sinks := []tracelog.Logger{
		tracelog.NewZerologAdapter(logging.WithComponent(logger, "trace")),
		ring,
	}
	var traceFile *tracelog.FileLogger
	if cfg.TraceFile != "" {
		traceFile, err = tracelog.NewFileLogger(cfg.TraceFile)
		if err != nil {
			logger.Error().Err(err).Str("path", cfg.TraceFile).Msg("failed to open trace file")
			return service.ExitFatal
		}
		sinks = append(sinks, traceFile)
		logger.Info().Str("path", cfg.TraceFile).Msg("capturing trace events")
	}
	tracer := tracelog.NewMultiLogger(sinks...)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Str("broker", cfg.Broker.URL).Msg("failed to connect to broker")
		return service.ExitFatal
	}

	server := gena.NewCallbackServer(logging.WithComponent(logger, "gena"))
	if m != nil {
		server.Router().Handle(cfg.Metrics.Path, m.Handler())
	}
	if err := server.Start(cfg.Callback.Listen); err != nil {
		logger.Error().Err(err).Str("listen", cfg.Callback.Listen).Msg("failed to start callback server")
		_ = publisher.Close()
		return service.ExitFatal
	}
	logger.Info().Int("port", server.Port()).Msg("callback server listening")

	// Renewal loops and SSDP handlers start after the lifecycle exists.
	var lifecycle *service.Lifecycle
	onPanic := func(name string, value any, stack []byte) {
		lifecycle.Panicked(name, value, stack)
	}

	client := gena.NewClient(server,
		gena.WithLease(cfg.Subscription.Lease),
		gena.WithRequestTimeout(cfg.Subscription.RequestTimeout),
		gena.WithAdvertiseHost(cfg.Callback.AdvertiseHost),
		gena.WithLogger(logging.WithComponent(logger, "gena")),
		gena.WithPanicHandler(onPanic),
	)

	retry := queue.DefaultRetryPolicy()
	retry.Initial = cfg.Queue.RetryInitial
	retry.Max = cfg.Queue.RetryMax
	retry.Multiplier = cfg.Queue.RetryMultiplier

	bridgeCfg := service.DefaultBridgeConfig()
	bridgeCfg.TopicPrefix = cfg.Broker.TopicPrefix
	bridgeCfg.RetainAvailability = cfg.Broker.RetainAvailability
	bridgeCfg.PollInterval = cfg.Queue.PollInterval
	bridgeCfg.Retry = retry
	bridgeCfg.RequestTimeout = cfg.Subscription.RequestTimeout
	bridgeCfg.Logger = logger

	opts := []service.Option{service.WithTracer(tracer)}
	if m != nil {
		opts = append(opts, service.WithMetrics(m))
	}
	if cfg.StateDir != "" {
		store := persistence.NewStateStoreInDir(cfg.StateDir)
		if resetState {
			if err := store.Clear(); err != nil {
				logger.Warn().Err(err).Msg("failed to clear state")
			} else {
				logger.Info().Str("path", store.Path()).Msg("cleared persisted state")
			}
		}
		opts = append(opts, service.WithStateStore(store))
	}

	svc, err := service.NewBridgeService(bridgeCfg, subscription.NewGENASubscriber(client), publisher, opts...)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create bridge service")
		return service.ExitFatal
	}
	if err := svc.LoadState(); err != nil {
		logger.Warn().Err(err).Msg("failed to load persisted state")
	}

	svc.OnEvent(func(ev service.Event) {
		handleEvent(logger, ev)
	})

	monitor := discovery.NewMonitor(discovery.MonitorConfig{
		SearchTarget:   cfg.Discovery.SearchTarget,
		SearchWait:     cfg.Discovery.SearchWait,
		SearchInterval: cfg.Discovery.SearchInterval,
	},
		discovery.WithLogger(logging.WithComponent(logger, "ssdp")),
		discovery.WithPanicHandler(onPanic))
	monitor.OnEvent(svc.HandleDiscovery)

	lifecycle = service.NewLifecycle(svc,
		service.WithDrain(client.Drain, cfg.Subscription.ShutdownGrace),
		service.WithLifecycleLogger(logger),
	)

	// Hooks run in reverse order: the broker connection closes last.
	lifecycle.OnShutdown(func() {
		if err := publisher.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close broker connection")
		}
		if traceFile != nil {
			_ = traceFile.Close()
		}
	})
	lifecycle.OnShutdown(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := server.Stop(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to stop callback server")
		}
	})
	lifecycle.OnShutdown(func() {
		_ = monitor.Stop()
	})

	if err := svc.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to start bridge service")
		_ = publisher.Close()
		return service.ExitFatal
	}
	if err := monitor.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to start discovery")
		lifecycle.Fatal(fmt.Errorf("discovery: %w", err))
	}

	if announce || cfg.Announce.Enabled {
		announcer := discovery.NewAnnouncer(discovery.AnnouncerConfig{Interface: cfg.Discovery.Interface})
		info := &discovery.BridgeInfo{
			InstanceName: cfg.Announce.Instance,
			ID:           svc.InstanceID(),
			Broker:       cfg.Broker.Kind,
			Prefix:       cfg.Broker.TopicPrefix,
			Version:      version.Version,
			CallbackPort: server.Port(),
		}
		warnPeers(ctx, logger, cfg)
		if err := announcer.Announce(info, server.Port()); err != nil {
			logger.Warn().Err(err).Msg("failed to announce bridge")
		} else {
			logger.Info().Str("instance", info.InstanceName).Msg("announced bridge via DNS-SD")
			lifecycle.OnShutdown(func() { announcer.Stop() })
		}
	}

	if interactMode {
		console, err := interactive.New(svc, monitor, ring)
		if err != nil {
			logger.Warn().Err(err).Msg("interactive mode unavailable")
		} else {
			lifecycle.Go("console", func() error {
				return console.Run(ctx, cancel)
			})
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	code := lifecycle.Run(ctx, sigCh)
	logger.Info().Int("exit_code", code).Msg("upnp-bridge stopped")
	return code
}

// applyFlags lets command-line flags win over the file and the environment.
func applyFlags(cfg *config.Config) {
	if brokerURL != "" {
		cfg.Broker.URL = brokerURL
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
}

func newPublisher(cfg config.Config, logger zerolog.Logger) (bus.Publisher, error) {
	switch cfg.Broker.Kind {
	case config.BrokerNATS:
		return bus.NewNATSPublisher(bus.NATSConfig{
			URL:            cfg.Broker.URL,
			Name:           "upnp-bridge",
			Username:       cfg.Broker.Username,
			Password:       cfg.Broker.Password,
			ConnectTimeout: cfg.Broker.ConnectTimeout,
		}, logging.WithComponent(logger, "nats"))
	default:
		clientID := cfg.Broker.ClientID
		if clientID == "" {
			clientID = "upnp-bridge-" + uuid.NewString()[:8]
		}
		return bus.NewMQTTPublisher(bus.MQTTConfig{
			BrokerURL:      cfg.Broker.URL,
			ClientID:       clientID,
			Username:       cfg.Broker.Username,
			Password:       cfg.Broker.Password,
			QoS:            cfg.Broker.QoS,
			ConnectTimeout: cfg.Broker.ConnectTimeout,
			StatusTopic:    cfg.Broker.TopicPrefix + "/bridge/" + clientID,
		}, logging.WithComponent(logger, "mqtt"))
	}
}

// warnPeers logs compatible bridges already publishing under our prefix.
func warnPeers(ctx context.Context, logger zerolog.Logger, cfg config.Config) {
	peers, err := discovery.BrowseBridges(ctx, cfg.Discovery.Interface, discovery.BrowseTimeout)
	if err != nil {
		logger.Debug().Err(err).Msg("bridge browse failed")
		return
	}
	for _, p := range peers {
		if p.Prefix != cfg.Broker.TopicPrefix || !version.Compatible(p.Version) {
			continue
		}
		logger.Warn().
			Str("instance", p.InstanceName).
			Str("id", p.ID).
			Str("prefix", p.Prefix).
			Msg("another bridge publishes under the same topic prefix")
	}
}

func handleEvent(logger zerolog.Logger, ev service.Event) {
	switch ev.Type {
	case service.EventActivated:
		logger.Info().Str("udn", ev.UDN).Str("usn", ev.USN).Msg("device active")
	case service.EventRemoved:
		logger.Info().Str("udn", ev.UDN).Str("usn", ev.USN).Msg("device removed")
	case service.EventFailed:
		logger.Warn().Err(ev.Error).Str("usn", ev.USN).Msg("device setup failed")
	case service.EventDiscovered:
		logger.Debug().Str("usn", ev.USN).Msg("device discovered")
	}
}
