package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/mash-protocol/upnp-bridge/pkg/description"
	"github.com/mash-protocol/upnp-bridge/pkg/gena"
	"github.com/mash-protocol/upnp-bridge/pkg/log"
	"github.com/mash-protocol/upnp-bridge/pkg/registry"
)

// DefaultUnsubscribeConcurrency bounds parallel UNSUBSCRIBE requests per device.
const DefaultUnsubscribeConcurrency = 8

// Manager creates and tears down the subscriptions of devices.
type Manager struct {
	subscriber Subscriber
	registry   *registry.Registry
	logger     zerolog.Logger
	tracer     log.Logger
	now        func() time.Time

	mu             sync.RWMutex
	onNotification func(gena.Notification)
	onDeviceFailed func(usn string, err error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithTracer sets the trace sink.
func WithTracer(tracer log.Logger) Option {
	return func(m *Manager) { m.tracer = tracer }
}

// NewManager returns a Manager that opens subscriptions through subscriber
// and indexes them in reg.
func NewManager(subscriber Subscriber, reg *registry.Registry, opts ...Option) *Manager {
	m := &Manager{
		subscriber: subscriber,
		registry:   reg,
		logger:     zerolog.Nop(),
		tracer:     log.NoopLogger{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnNotification sets the handler for every notification of every
// subscription.
func (m *Manager) OnNotification(fn func(gena.Notification)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onNotification = fn
}

// OnDeviceFailed sets the handler called, on its own goroutine, when a
// device lost a subscription it could not recover.
func (m *Manager) OnDeviceFailed(fn func(usn string, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDeviceFailed = fn
}

// SubscribeAll subscribes every service of rec in order. It stops at the
// first failure and returns a *SubscribeError; subscriptions registered
// before the failure stay on rec for the caller to tear down.
func (m *Manager) SubscribeAll(ctx context.Context, rec *registry.DeviceRecord, services []description.EventService) error {
	rec.SetState(registry.StateSubscribing)

	for i, svc := range services {
		handle, err := m.subscriber.Subscribe(ctx, svc.EventURL)
		if err == nil && handle.ID() == "" {
			handle.Cancel()
			err = ErrNoSubscriptionID
		}
		if err != nil {
			m.trace(log.Event{
				Category:  log.CategoryError,
				USN:       rec.USN,
				UDN:       rec.UDN(),
				ServiceID: svc.ServiceID,
				Error:     &log.ErrorEventData{Stage: "subscribe", Message: err.Error()},
			})
			return &SubscribeError{
				USN:        rec.USN,
				ServiceID:  svc.ServiceID,
				EventURL:   svc.EventURL,
				Registered: i,
				Err:        err,
			}
		}

		m.register(rec, svc, handle)
	}

	rec.SetState(registry.StateActive)
	return nil
}

// register installs the renewal handlers, adds the record and route, and
// only then attaches the message handler so buffered notifications find
// their route.
func (m *Manager) register(rec *registry.DeviceRecord, svc description.EventService, handle Handle) {
	sid := handle.ID()
	usn := rec.USN
	serviceID := svc.ServiceID

	var renewing atomic.Bool
	handle.OnRenewing(func(string) {
		renewing.Store(rec.BeginRenewal())
	})
	handle.OnRenewed(func(oldSID, newSID string, lease time.Duration) {
		m.renewed(rec, serviceID, oldSID, newSID, lease)
		if renewing.Swap(false) {
			rec.EndRenewal()
		}
	})
	handle.OnRenewalFailure(func(sid string, err error) {
		if renewing.Swap(false) {
			rec.EndRenewal()
		}
		m.renewalFailed(rec, serviceID, sid, err)
	})

	rec.AddSubscription(sid, &registry.SubscriptionRecord{
		ServiceID: serviceID,
		EventURL:  svc.EventURL,
		Handle:    handle,
		Since:     m.now(),
		Lease:     handle.Timeout(),
	})
	m.registry.AddRoute(sid, registry.Route{USN: usn, UDN: rec.UDN(), ServiceID: serviceID})

	handle.OnMessage(m.dispatch)

	m.logger.Debug().
		Str("usn", usn).
		Str("service_id", serviceID).
		Str("sid", sid).
		Dur("timeout", handle.Timeout()).
		Msg("service subscribed")
	m.trace(log.Event{
		Category:  log.CategorySubscription,
		USN:       usn,
		UDN:       rec.UDN(),
		ServiceID: serviceID,
		SID:       sid,
		Subscription: &log.SubscriptionEvent{
			Action:   log.ActionSubscribe,
			EventURL: svc.EventURL,
			Timeout:  handle.Timeout(),
		},
	})
}

func (m *Manager) dispatch(n gena.Notification) {
	m.mu.RLock()
	fn := m.onNotification
	m.mu.RUnlock()

	if fn != nil {
		fn(n)
	}
}

// renewed moves the route before the record; a teardown racing with it
// then never leaves a stale route.
func (m *Manager) renewed(rec *registry.DeviceRecord, serviceID, oldSID, newSID string, lease time.Duration) {
	changed := newSID != oldSID
	if changed {
		m.registry.MoveRoute(oldSID, newSID)
	}
	if !rec.RenewSubscription(oldSID, newSID, lease, m.now()) {
		// Torn down concurrently.
		if changed {
			m.registry.RemoveRoute(newSID)
		}
		return
	}

	sub := &log.SubscriptionEvent{Action: log.ActionRenew, Timeout: lease}
	if changed {
		sub.Action = log.ActionResubscribe
		sub.OldSID = oldSID
		m.logger.Info().
			Str("usn", rec.USN).
			Str("service_id", serviceID).
			Str("old_sid", oldSID).
			Str("sid", newSID).
			Dur("timeout", lease).
			Msg("subscription replaced after failed renewal")
	} else {
		m.logger.Debug().
			Str("usn", rec.USN).
			Str("service_id", serviceID).
			Str("sid", newSID).
			Dur("timeout", lease).
			Msg("subscription renewed")
	}
	m.trace(log.Event{
		Category:     log.CategorySubscription,
		USN:          rec.USN,
		UDN:          rec.UDN(),
		ServiceID:    serviceID,
		SID:          newSID,
		Subscription: sub,
	})
}

func (m *Manager) renewalFailed(rec *registry.DeviceRecord, serviceID, sid string, err error) {
	rec.SetState(registry.StateRenewalFailed)
	rerr := &RenewalError{USN: rec.USN, ServiceID: serviceID, SID: sid, Err: err}

	m.logger.Error().Err(err).
		Str("usn", rec.USN).
		Str("service_id", serviceID).
		Str("sid", sid).
		Msg("subscription lost, tearing down device")
	m.trace(log.Event{
		Category:     log.CategorySubscription,
		USN:          rec.USN,
		UDN:          rec.UDN(),
		ServiceID:    serviceID,
		SID:          sid,
		Subscription: &log.SubscriptionEvent{Action: log.ActionRenewalFailed},
	})

	m.mu.RLock()
	fn := m.onDeviceFailed
	m.mu.RUnlock()

	if fn != nil {
		go fn(rec.USN, rerr)
	}
}

// UnsubscribeAll removes every subscription of rec, unsubscribing them
// concurrently and waiting for each to finish. The records and routes are
// removed regardless of the outcome; a non-nil *UnsubscribeError is
// informational.
func (m *Manager) UnsubscribeAll(ctx context.Context, rec *registry.DeviceRecord) error {
	rec.SetState(registry.StateUnsubscribing)
	subs := rec.TakeSubscriptions()

	var (
		mu     sync.Mutex
		errs   error
		failed int
	)
	g := new(errgroup.Group)
	g.SetLimit(DefaultUnsubscribeConcurrency)

	for sid, sr := range subs {
		m.registry.RemoveRoute(sid)
		g.Go(func() error {
			err := sr.Handle.Unsubscribe(ctx)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				failed++
				mu.Unlock()
			}
			m.trace(log.Event{
				Category:     log.CategorySubscription,
				USN:          rec.USN,
				UDN:          rec.UDN(),
				ServiceID:    sr.ServiceID,
				SID:          sid,
				Subscription: &log.SubscriptionEvent{Action: log.ActionUnsubscribe, EventURL: sr.EventURL},
			})
			return nil
		})
	}
	_ = g.Wait()
	rec.SetState(registry.StateRemoved)

	if errs == nil {
		m.logger.Debug().Str("usn", rec.USN).Int("subscriptions", len(subs)).Msg("device unsubscribed")
		return nil
	}

	uerr := &UnsubscribeError{USN: rec.USN, Failed: failed, Err: errs}
	m.logger.Warn().Err(errs).
		Str("usn", rec.USN).
		Int("failed", failed).
		Int("subscriptions", len(subs)).
		Msg("unsubscribe incomplete")
	return uerr
}

// UnsubscribeAllSync removes every subscription of rec and fires the
// UNSUBSCRIBE requests without waiting. It returns the number fired.
func (m *Manager) UnsubscribeAllSync(rec *registry.DeviceRecord) int {
	rec.SetState(registry.StateUnsubscribing)
	subs := rec.TakeSubscriptions()
	for sid, sr := range subs {
		m.registry.RemoveRoute(sid)
		sr.Handle.Cancel()
	}
	rec.SetState(registry.StateRemoved)
	return len(subs)
}

func (m *Manager) trace(event log.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	m.tracer.Log(event)
}
