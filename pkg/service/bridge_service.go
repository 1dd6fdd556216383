package service

import (
	"context"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mash-protocol/upnp-bridge/pkg/bus"
	"github.com/mash-protocol/upnp-bridge/pkg/description"
	"github.com/mash-protocol/upnp-bridge/pkg/discovery"
	"github.com/mash-protocol/upnp-bridge/pkg/log"
	"github.com/mash-protocol/upnp-bridge/pkg/metrics"
	"github.com/mash-protocol/upnp-bridge/pkg/persistence"
	"github.com/mash-protocol/upnp-bridge/pkg/queue"
	"github.com/mash-protocol/upnp-bridge/pkg/registry"
	"github.com/mash-protocol/upnp-bridge/pkg/relay"
	"github.com/mash-protocol/upnp-bridge/pkg/subscription"
)

// BridgeService runs the discovery-to-bus pipeline.
type BridgeService struct {
	config BridgeConfig
	logger zerolog.Logger
	clock  clock.Clock

	registry *registry.Registry
	guard    *description.Guard
	fetcher  *description.Fetcher
	manager  *subscription.Manager
	relay    *relay.Relay
	queue    *queue.Queue
	worker   *queue.Worker

	metrics *metrics.Metrics
	tracer  log.Logger
	store   StateStore
	loader  description.LoadFunc

	mu            sync.RWMutex
	state         ServiceState
	instanceID    string
	pending       map[string]*registry.DeviceRecord
	gone          map[string]bool
	known         []persistence.KnownDevice
	eventHandlers []EventHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	fatal  chan error
}

// Option configures a BridgeService.
type Option func(*BridgeService)

// WithLoader replaces the description loader.
func WithLoader(load description.LoadFunc) Option {
	return func(s *BridgeService) { s.loader = load }
}

// WithClock replaces the clock of the queue and worker.
func WithClock(clk clock.Clock) Option {
	return func(s *BridgeService) { s.clock = clk }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *BridgeService) { s.metrics = m }
}

// WithTracer sets the trace sink.
func WithTracer(tracer log.Logger) Option {
	return func(s *BridgeService) { s.tracer = tracer }
}

// WithStateStore enables persistence of known devices.
func WithStateStore(store StateStore) Option {
	return func(s *BridgeService) { s.store = store }
}

// NewBridgeService creates a bridge that subscribes through subscriber and
// publishes to publisher.
func NewBridgeService(config BridgeConfig, subscriber subscription.Subscriber, publisher bus.Publisher, opts ...Option) (*BridgeService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &BridgeService{
		config:   config,
		logger:   config.Logger,
		clock:    clock.New(),
		registry: registry.New(),
		guard:    description.NewGuard(),
		tracer:   log.NoopLogger{},
		state:    StateIdle,
		pending:  make(map[string]*registry.DeviceRecord),
		gone:     make(map[string]bool),
		fatal:    make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	fetchOpts := []description.FetcherOption{description.WithLogger(s.logger)}
	if s.loader != nil {
		fetchOpts = append(fetchOpts, description.WithLoader(s.loader))
	}
	s.fetcher = description.NewFetcher(s.guard, fetchOpts...)

	s.manager = subscription.NewManager(subscriber, s.registry,
		subscription.WithLogger(s.logger),
		subscription.WithTracer(s.tracer))

	s.relay = relay.New(relay.Config{
		Prefix:             config.TopicPrefix,
		RetainAvailability: config.RetainAvailability,
		PublishTimeout:     config.PublishTimeout,
	}, s.registry, publisher,
		relay.WithLogger(s.logger),
		relay.WithTracer(s.tracer),
		relay.WithMetrics(s.metrics))

	s.queue = queue.New(queue.WithClock(s.clock), queue.WithRetryPolicy(config.Retry))
	s.worker = queue.NewWorker(s.queue, s,
		queue.WithWorkerClock(s.clock),
		queue.WithPollInterval(config.PollInterval),
		queue.WithLogger(s.logger),
		queue.WithIdleHook(s.updateGauges))

	s.manager.OnNotification(s.relay.Handle)
	s.manager.OnDeviceFailed(s.deviceFailed)

	return s, nil
}

// State returns the current service state.
func (s *BridgeService) State() ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// InstanceID returns the bridge instance ID. It is restored by LoadState
// or generated on first use.
func (s *BridgeService) InstanceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instanceID == "" {
		s.instanceID = uuid.New().String()
	}
	return s.instanceID
}

// Registry returns the device registry.
func (s *BridgeService) Registry() *registry.Registry {
	return s.registry
}

// Queue returns the discovery queue.
func (s *BridgeService) Queue() *queue.Queue {
	return s.queue
}

// OnEvent registers an event handler.
func (s *BridgeService) OnEvent(handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventHandlers = append(s.eventHandlers, handler)
}

// Fatal delivers the error that stopped the queue worker, if any.
func (s *BridgeService) Fatal() <-chan error {
	return s.fatal
}

// Start queues the known devices and starts the queue worker.
func (s *BridgeService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateStopped {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	known := s.known
	s.known = nil
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	for _, d := range known {
		s.queue.Push(discovery.Event{USN: d.USN, Location: d.Location, Server: d.Server, Kind: discovery.KindFound})
	}
	if len(known) > 0 {
		s.logger.Info().Int("devices", len(known)).Msg("queued known devices")
	}

	s.wg.Add(1)
	go s.runWorker(s.ctx)

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	s.logger.Info().Str("instance_id", s.InstanceID()).Msg("bridge started")
	return nil
}

func (s *BridgeService) runWorker(ctx context.Context) {
	defer s.wg.Done()

	err := s.worker.Run(ctx)
	var pe *queue.PanicError
	if errors.As(err, &pe) {
		s.logger.Error().Interface("panic", pe.Value).Bytes("stack", pe.Stack).Msg("queue worker crashed")
		s.metrics.Failure(metrics.FailureFatal)
		select {
		case s.fatal <- err:
		default:
		}
	}
}

// Stop stops the queue worker and waits for in-flight teardowns. Active
// subscriptions are left in place; see Shutdown.
func (s *BridgeService) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.state = StateStopping
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	return nil
}

// Shutdown saves state, stops the worker and fires UNSUBSCRIBE for every
// subscription without waiting. It returns the number of requests fired.
func (s *BridgeService) Shutdown() int {
	if err := s.SaveState(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to save state")
	}
	if err := s.Stop(); err != nil && !errors.Is(err, ErrNotStarted) {
		s.logger.Warn().Err(err).Msg("failed to stop bridge")
	}
	return s.UnsubscribeAllSync()
}

// HandleDiscovery feeds one SSDP event into the pipeline. It never blocks
// on the network.
func (s *BridgeService) HandleDiscovery(ev discovery.Event) {
	s.tracer.Log(log.Event{
		Timestamp: s.clock.Now(),
		Category:  log.CategoryDiscovery,
		USN:       ev.USN,
		Discovery: &log.DiscoveryEvent{Kind: ev.Kind.String(), Location: ev.Location, Server: ev.Server},
	})

	if ev.Kind == discovery.KindUnavailable {
		s.mu.Lock()
		s.gone[ev.USN] = true
		running := s.state == StateRunning
		if running {
			s.wg.Add(1)
		}
		s.mu.Unlock()
		s.queue.Forget(ev.USN)
		if !running {
			return
		}

		go func() {
			defer s.wg.Done()
			s.handleUnavailable(ev)
		}()
		return
	}

	s.mu.Lock()
	delete(s.gone, ev.USN)
	s.mu.Unlock()

	if ev.Kind != discovery.KindUpdate {
		if rec, ok := s.registry.Get(ev.USN); ok && rec.Location == ev.Location {
			return
		}
	}
	if s.queue.Push(ev) {
		s.logger.Debug().Str("usn", ev.USN).Str("kind", ev.Kind.String()).Msg("device queued")
		s.emit(Event{Type: EventDiscovered, USN: ev.USN})
	}
	s.updateGauges()
}

func (s *BridgeService) handleUnavailable(ev discovery.Event) {
	unlock := s.registry.Lock(ev.USN)
	defer unlock()

	s.queue.Forget(ev.USN)
	if s.removeDevice(s.teardownContext(), ev.USN) {
		s.logger.Info().Str("usn", ev.USN).Msg("device unavailable, removed")
	}
}

// Process fetches the description of ev's device and subscribes every
// eventable service. An Update first tears down the current subscription
// set. The device enters the registry only when all subscriptions exist.
// Events for a device whose last SSDP word was Unavailable are dropped.
func (s *BridgeService) Process(ctx context.Context, ev discovery.Event) error {
	unlock := s.registry.Lock(ev.USN)
	defer unlock()

	// An Unavailable may land after Rollback asked for a retry but before
	// the retry was parked.
	s.mu.RLock()
	gone := s.gone[ev.USN]
	s.mu.RUnlock()
	if gone {
		s.logger.Debug().Str("usn", ev.USN).Msg("device went away, event dropped")
		return nil
	}

	if rec, ok := s.registry.Get(ev.USN); ok {
		if ev.Kind != discovery.KindUpdate && rec.Location == ev.Location {
			return nil
		}
		s.logger.Info().
			Str("usn", ev.USN).
			Str("old_location", rec.Location).
			Str("location", ev.Location).
			Msg("device updated, replacing subscriptions")
		s.teardown(ctx, ev.USN)
	}

	desc, err := s.fetcher.Fetch(ctx, ev.Location)
	if errors.Is(err, description.ErrAlreadyProcessed) {
		s.logger.Debug().Str("usn", ev.USN).Str("location", ev.Location).Msg("location already processed")
		return nil
	}
	if err != nil {
		return err
	}

	rec := registry.NewDeviceRecord(ev.USN, ev.Location, ev.Server)
	rec.Description = desc
	s.mu.Lock()
	s.pending[ev.USN] = rec
	s.mu.Unlock()

	services, err := description.Extract(desc, ev.Location)
	if err != nil {
		return err
	}
	if err := s.manager.SubscribeAll(ctx, rec, services); err != nil {
		return err
	}

	s.registry.Set(ev.USN, rec)
	s.mu.Lock()
	delete(s.pending, ev.USN)
	s.mu.Unlock()

	s.logger.Info().
		Str("usn", ev.USN).
		Str("udn", rec.UDN()).
		Str("friendly_name", rec.FriendlyName()).
		Int("subscriptions", rec.SubscriptionCount()).
		Msg("device active")

	if err := s.relay.Announce(ctx, rec.UDN(), true); err != nil {
		s.logger.Warn().Err(err).Str("udn", rec.UDN()).Msg("failed to announce availability")
	}
	s.emit(Event{Type: EventActivated, USN: ev.USN, UDN: rec.UDN()})
	s.updateGauges()
	s.saveStateQuietly()
	return nil
}

// Rollback undoes a failed Process: every subscription created so far is
// unsubscribed, the device record is dropped and its location released.
// It reports false when the device went away meanwhile.
func (s *BridgeService) Rollback(ctx context.Context, ev discovery.Event, err error) bool {
	unlock := s.registry.Lock(ev.USN)
	defer unlock()

	evt := Event{Type: EventFailed, USN: ev.USN, Error: err}
	logEvt := s.logger.Error().Err(err).Str("usn", ev.USN).Str("location", ev.Location)

	var fetchErr *description.FetchError
	var subErr *subscription.SubscribeError
	switch {
	case errors.As(err, &fetchErr):
		s.metrics.Failure(metrics.FailureFetch)
		logEvt.Msg("description fetch failed")
	case errors.As(err, &subErr):
		s.metrics.Failure(metrics.FailureSubscribe)
		evt.ServiceID = subErr.ServiceID
		logEvt.Str("service_id", subErr.ServiceID).
			Str("event_url", subErr.EventURL).
			Int("registered", subErr.Registered).
			Msg("subscribe failed, rolling back device")
	default:
		s.metrics.Failure(metrics.FailureSubscribe)
		logEvt.Msg("device processing failed")
	}

	if rec, _ := s.teardown(ctx, ev.USN); rec != nil {
		evt.UDN = rec.UDN()
	}
	s.emit(evt)

	s.mu.RLock()
	gone := s.gone[ev.USN]
	s.mu.RUnlock()
	return !gone
}

// deviceFailed runs when an active subscription could not be renewed or
// replaced. The whole device is torn down and its event retried.
func (s *BridgeService) deviceFailed(usn string, err error) {
	unlock := s.registry.Lock(usn)

	rec, ok := s.registry.Get(usn)
	var rerr *subscription.RenewalError
	if ok && errors.As(err, &rerr) {
		if _, current := rec.Subscriptions()[rerr.SID]; !current {
			ok = false
		}
	}
	if !ok {
		unlock()
		s.logger.Debug().Err(err).Str("usn", usn).Msg("renewal failure for a device no longer active")
		return
	}

	ev := discovery.Event{USN: usn, Location: rec.Location, Server: rec.Server, Kind: discovery.KindFound}
	s.metrics.Failure(metrics.FailureRenewal)
	evt := Event{Type: EventFailed, USN: usn, UDN: rec.UDN(), Error: err}
	if rerr != nil {
		evt.ServiceID = rerr.ServiceID
	}
	s.emit(evt)
	s.removeDevice(s.teardownContext(), usn)
	unlock()

	s.mu.RLock()
	gone := s.gone[usn]
	s.mu.RUnlock()
	if gone || s.State() != StateRunning {
		return
	}
	delay, attempt := s.queue.Retry(ev)
	s.logger.Warn().
		Str("usn", usn).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("device torn down after lost subscription, retry scheduled")
	s.updateGauges()
}

// removeDevice tears down usn and announces it unavailable if it was
// active. Callers hold the USN lock.
func (s *BridgeService) removeDevice(ctx context.Context, usn string) bool {
	rec, active := s.teardown(ctx, usn)
	if rec == nil {
		return false
	}
	if active && rec.UDN() != "" {
		if err := s.relay.Announce(ctx, rec.UDN(), false); err != nil {
			s.logger.Warn().Err(err).Str("udn", rec.UDN()).Msg("failed to announce availability")
		}
	}
	s.emit(Event{Type: EventRemoved, USN: usn, UDN: rec.UDN()})
	s.saveStateQuietly()
	return true
}

// teardown removes the pending or active record of usn, waits for every
// unsubscribe and releases the location. It reports whether the record
// was active. Callers hold the USN lock.
func (s *BridgeService) teardown(ctx context.Context, usn string) (*registry.DeviceRecord, bool) {
	s.mu.Lock()
	rec, ok := s.pending[usn]
	delete(s.pending, usn)
	s.mu.Unlock()

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.RequestTimeout)
	defer cancel()

	if ok {
		s.unsubscribe(uctx, rec)
	}
	active, isActive := s.registry.Delete(usn)
	if isActive {
		s.unsubscribe(uctx, active)
		rec = active
	}
	if rec == nil {
		return nil, false
	}
	s.updateGauges()
	return rec, isActive
}

func (s *BridgeService) unsubscribe(ctx context.Context, rec *registry.DeviceRecord) {
	if err := s.manager.UnsubscribeAll(ctx, rec); err != nil {
		s.metrics.Failure(metrics.FailureUnsubscribe)
	}
	s.guard.Release(rec.Location)
}

func (s *BridgeService) teardownContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ctx != nil {
		return context.WithoutCancel(s.ctx)
	}
	return context.Background()
}

// UnsubscribeAllSync removes every pending and active device and fires
// UNSUBSCRIBE for each subscription without waiting. It returns the
// number of requests fired.
func (s *BridgeService) UnsubscribeAllSync() int {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]*registry.DeviceRecord)
	s.mu.Unlock()

	fired := 0
	for _, rec := range pending {
		fired += s.manager.UnsubscribeAllSync(rec)
		s.guard.Release(rec.Location)
	}
	devices := 0
	for _, rec := range s.registry.All() {
		if _, ok := s.registry.Delete(rec.USN); !ok {
			continue
		}
		fired += s.manager.UnsubscribeAllSync(rec)
		s.guard.Release(rec.Location)
		devices++
	}

	s.logger.Info().Int("devices", devices).Int("unsubscribes", fired).Msg("unsubscribed all devices")
	s.updateGauges()
	return fired
}

// Reprocess tears down and re-subscribes an active device.
func (s *BridgeService) Reprocess(usn string) error {
	rec, ok := s.registry.Get(usn)
	if !ok {
		return ErrDeviceNotFound
	}
	s.queue.Push(discovery.Event{USN: usn, Location: rec.Location, Server: rec.Server, Kind: discovery.KindUpdate})
	s.updateGauges()
	return nil
}

// Devices returns a snapshot of every active device in USN order.
func (s *BridgeService) Devices() []DeviceInfo {
	recs := s.registry.All()
	out := make([]DeviceInfo, 0, len(recs))
	for _, rec := range recs {
		info := DeviceInfo{
			USN:          rec.USN,
			UDN:          rec.UDN(),
			FriendlyName: rec.FriendlyName(),
			Location:     rec.Location,
			State:        rec.State().String(),
			ActiveSince:  rec.Activated(),
		}
		subs := rec.Subscriptions()
		for _, sid := range rec.SubscriptionIDs() {
			sr := subs[sid]
			info.Subscriptions = append(info.Subscriptions, SubscriptionInfo{
				SID:       sid,
				ServiceID: sr.ServiceID,
				EventURL:  sr.EventURL,
				Lease:     sr.Lease,
				Since:     sr.Since,
			})
		}
		out = append(out, info)
	}
	return out
}

// Status returns a snapshot of the bridge.
func (s *BridgeService) Status() Status {
	s.mu.RLock()
	state := s.state
	pending := len(s.pending)
	s.mu.RUnlock()

	return Status{
		State:         state,
		Devices:       s.registry.Count(),
		Subscriptions: s.registry.SubscriptionCount(),
		Pending:       pending,
		Queued:        s.queue.Len(),
		Retries:       s.queue.Scheduled(),
		Guarded:       s.guard.Len(),
	}
}

// LoadState restores the instance ID and the known devices, which Start
// queues.
func (s *BridgeService) LoadState() error {
	if s.store == nil {
		return nil
	}
	state, err := s.store.Load()
	if err != nil || state == nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if state.InstanceID != "" {
		s.instanceID = state.InstanceID
	}
	s.known = state.Devices
	return nil
}

// SaveState persists the instance ID and the active devices.
func (s *BridgeService) SaveState() error {
	if s.store == nil {
		return nil
	}

	state := &persistence.BridgeState{InstanceID: s.InstanceID()}
	for _, rec := range s.registry.All() {
		state.Devices = append(state.Devices, persistence.KnownDevice{
			USN:          rec.USN,
			Location:     rec.Location,
			Server:       rec.Server,
			UDN:          rec.UDN(),
			FriendlyName: rec.FriendlyName(),
			LastSeenAt:   rec.Activated(),
		})
	}
	return s.store.Save(state)
}

func (s *BridgeService) saveStateQuietly() {
	if err := s.SaveState(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to save state")
	}
}

func (s *BridgeService) updateGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.SetDevices(s.registry.Count())
	s.metrics.SetSubscriptions(s.registry.SubscriptionCount())
	s.metrics.SetQueue(s.queue.Len(), len(s.queue.Scheduled()))
}

func (s *BridgeService) emit(event Event) {
	s.mu.RLock()
	handlers := make([]EventHandler, len(s.eventHandlers))
	copy(handlers, s.eventHandlers)
	s.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
