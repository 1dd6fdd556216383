package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/upnp-bridge/pkg/bus"
	"github.com/mash-protocol/upnp-bridge/pkg/description"
	"github.com/mash-protocol/upnp-bridge/pkg/discovery"
	"github.com/mash-protocol/upnp-bridge/pkg/gena"
	"github.com/mash-protocol/upnp-bridge/pkg/metrics"
	"github.com/mash-protocol/upnp-bridge/pkg/persistence"
	"github.com/mash-protocol/upnp-bridge/pkg/subscription"
)

const (
	rendererUSN      = "uuid:RENDERER-1"
	rendererLocation = "http://10.0.0.5/desc.xml"
	avTransportID    = "urn:upnp-org:serviceId:AVTransport"
	renderingID      = "urn:upnp-org:serviceId:RenderingControl"
	connectionID     = "urn:upnp-org:serviceId:ConnectionManager"
)

type bridgeFixture struct {
	svc        *BridgeService
	subscriber *fakeSubscriber
	devices    *fakeDevices
	bus        *bus.Memory
	clock      *clock.Mock
	store      *memoryStore
	metrics    *metrics.Metrics

	mu     sync.Mutex
	events []Event
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()

	f := &bridgeFixture{
		subscriber: newFakeSubscriber(),
		devices:    newFakeDevices(),
		bus:        bus.NewMemory(),
		clock:      clock.NewMock(),
		store:      &memoryStore{},
		metrics:    metrics.New(),
	}
	f.devices.add(rendererLocation, rendererUSN, "Living Room",
		fakeService{avTransportID, "/AVTransport/Event"},
		fakeService{renderingID, "/RenderingControl/Event"},
		fakeService{connectionID, "/ConnectionManager/Event"},
	)

	svc, err := NewBridgeService(DefaultBridgeConfig(), f.subscriber, f.bus,
		WithLoader(f.devices.load),
		WithClock(f.clock),
		WithStateStore(f.store),
		WithMetrics(f.metrics))
	require.NoError(t, err)
	svc.OnEvent(func(e Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, e)
	})
	f.svc = svc
	return f
}

func (f *bridgeFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.svc.Start(context.Background()))
	t.Cleanup(func() { _ = f.svc.Stop() })
}

func (f *bridgeFixture) eventTypes() []EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []EventType
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

func found(usn, location string) discovery.Event {
	return discovery.Event{USN: usn, Location: location, Kind: discovery.KindFound}
}

func TestNewBridgeServiceInvalidConfig(t *testing.T) {
	config := DefaultBridgeConfig()
	config.TopicPrefix = ""
	_, err := NewBridgeService(config, newFakeSubscriber(), bus.NewMemory())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestProcessActivatesDevice(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Process(ctx, found(rendererUSN, rendererLocation)))

	rec, ok := f.svc.Registry().Get(rendererUSN)
	require.True(t, ok)
	assert.Equal(t, 3, rec.SubscriptionCount())
	assert.Equal(t, "Living Room", rec.FriendlyName())
	assert.Equal(t, []string{
		"subscribe http://10.0.0.5/AVTransport/Event",
		"subscribe http://10.0.0.5/RenderingControl/Event",
		"subscribe http://10.0.0.5/ConnectionManager/Event",
	}, f.subscriber.journal.all())

	msgs := f.bus.Topic("upnp/" + rendererUSN)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"available":true}`, string(msgs[0].Payload))
	assert.True(t, msgs[0].Retain)

	assert.Equal(t, []EventType{EventActivated}, f.eventTypes())
	require.Len(t, f.store.devices(), 1)
	assert.Equal(t, rendererLocation, f.store.devices()[0].Location)

	status := f.svc.Status()
	assert.Equal(t, 1, status.Devices)
	assert.Equal(t, 3, status.Subscriptions)
	assert.Equal(t, 1, status.Guarded)
}

func TestProcessSameLocationFetchesOnce(t *testing.T) {
	f := newBridgeFixture(t)
	f.devices.gate = make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.svc.Process(context.Background(), found(rendererUSN, rendererLocation))
		}()
	}
	require.Eventually(t, func() bool { return f.devices.loads.Load() == 1 }, timeout, tick)
	close(f.devices.gate)
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, int32(1), f.devices.loads.Load())
	assert.Equal(t, 1, f.svc.Registry().Count())
	assert.Equal(t, 3, f.subscriber.count())
}

func TestProcessGuardedLocationIsNoop(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Process(ctx, found(rendererUSN, rendererLocation)))
	require.NoError(t, f.svc.Process(ctx, found("uuid:alias", rendererLocation)))

	assert.Equal(t, int32(1), f.devices.loads.Load())
	assert.False(t, f.svc.Registry().Has("uuid:alias"))
}

func TestProcessPartialFailureRollsBack(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()
	f.subscriber.failURL("http://10.0.0.5/RenderingControl/Event", errRefused)

	ev := found(rendererUSN, rendererLocation)
	err := f.svc.Process(ctx, ev)

	var subErr *subscription.SubscribeError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, renderingID, subErr.ServiceID)
	assert.Equal(t, 1, subErr.Registered)

	assert.True(t, f.svc.Rollback(ctx, ev, err))

	handles := f.subscriber.all()
	require.Len(t, handles, 1)
	assert.True(t, handles[0].wasUnsubscribed())
	assert.False(t, f.svc.Registry().Has(rendererUSN))
	assert.Equal(t, 0, f.svc.Registry().SubscriptionCount())
	assert.Equal(t, 0, f.svc.Status().Pending)
	assert.Equal(t, 0, f.svc.Status().Guarded, "location must be released")
	assert.Empty(t, f.bus.Topic("upnp/"+rendererUSN), "never announced")
	assert.Equal(t, []EventType{EventFailed}, f.eventTypes())
}

func TestProcessFetchFailureReleasesGuard(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	ev := found("uuid:missing", "http://10.0.0.9/desc.xml")
	err := f.svc.Process(ctx, ev)

	var fetchErr *description.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.True(t, f.svc.Rollback(ctx, ev, err))
	assert.Equal(t, 0, f.svc.Status().Guarded)
}

func TestNotificationRelayedToBus(t *testing.T) {
	f := newBridgeFixture(t)
	require.NoError(t, f.svc.Process(context.Background(), found(rendererUSN, rendererLocation)))

	handles := f.subscriber.all()
	require.Len(t, handles, 3)
	handles[0].notify(gena.Property{Name: "LastChange", Value: "X"})

	msgs := f.bus.Topic("upnp/" + rendererUSN + "/" + avTransportID)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"body":{"LastChange":"X"}}`, string(msgs[0].Payload))
	assert.False(t, msgs[0].Retain)
}

func TestUpdateTearsDownBeforeResubscribing(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()
	const newLocation = "http://10.0.0.7/desc.xml"
	f.devices.add(newLocation, rendererUSN, "Living Room",
		fakeService{avTransportID, "/AVTransport/Event"},
	)

	require.NoError(t, f.svc.Process(ctx, found(rendererUSN, rendererLocation)))
	require.NoError(t, f.svc.Process(ctx, discovery.Event{USN: rendererUSN, Location: newLocation, Kind: discovery.KindUpdate}))

	entries := f.subscriber.journal.all()
	require.Len(t, entries, 7)
	assert.ElementsMatch(t, []string{
		"unsubscribe uuid:sid-1", "unsubscribe uuid:sid-2", "unsubscribe uuid:sid-3",
	}, entries[3:6], "old set is torn down first")
	assert.Equal(t, "subscribe http://10.0.0.7/AVTransport/Event", entries[6])

	rec, ok := f.svc.Registry().Get(rendererUSN)
	require.True(t, ok)
	assert.Equal(t, newLocation, rec.Location)
	assert.Equal(t, 1, rec.SubscriptionCount())
	assert.Equal(t, 1, f.svc.Status().Guarded)
}

func TestAvailableForActiveDeviceIsIgnored(t *testing.T) {
	f := newBridgeFixture(t)
	require.NoError(t, f.svc.Process(context.Background(), found(rendererUSN, rendererLocation)))

	f.svc.HandleDiscovery(discovery.Event{USN: rendererUSN, Location: rendererLocation, Kind: discovery.KindAvailable})
	assert.Equal(t, 0, f.svc.Queue().Len())
}

func TestWorkerRetriesFailedDeviceAfterBackoff(t *testing.T) {
	f := newBridgeFixture(t)
	f.subscriber.failURL("http://10.0.0.5/RenderingControl/Event", errRefused)
	f.start(t)

	f.svc.HandleDiscovery(found(rendererUSN, rendererLocation))

	require.Eventually(t, func() bool { return len(f.svc.Queue().Scheduled()) == 1 }, timeout, tick)
	assert.False(t, f.svc.Registry().Has(rendererUSN))
	loads := f.devices.loads.Load()

	f.subscriber.failURL("http://10.0.0.5/RenderingControl/Event", nil)
	require.Eventually(t, func() bool {
		f.clock.Add(250 * time.Millisecond)
		return f.svc.Registry().Has(rendererUSN)
	}, timeout, tick)
	assert.Equal(t, loads+1, f.devices.loads.Load())
}

func TestRenewalFailureTearsDownDeviceAndRequeues(t *testing.T) {
	f := newBridgeFixture(t)
	f.start(t)

	f.svc.HandleDiscovery(found(rendererUSN, rendererLocation))
	require.Eventually(t, func() bool { return f.svc.Registry().Has(rendererUSN) }, timeout, tick)

	handles := f.subscriber.all()
	require.Len(t, handles, 3)
	handles[1].fail(errors.New("resubscribe refused"))

	require.Eventually(t, func() bool { return !f.svc.Registry().Has(rendererUSN) }, timeout, tick)
	for _, h := range handles {
		assert.True(t, h.wasUnsubscribed(), h.ID())
	}
	require.Eventually(t, func() bool { return len(f.svc.Queue().Scheduled()) == 1 }, timeout, tick)

	msgs := f.bus.Topic("upnp/" + rendererUSN)
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"available":false}`, string(msgs[1].Payload))

	require.Eventually(t, func() bool {
		f.clock.Add(250 * time.Millisecond)
		return f.svc.Registry().Has(rendererUSN)
	}, timeout, tick)
	assert.Equal(t, 6, f.subscriber.count())
}

func TestStaleRenewalFailureIgnored(t *testing.T) {
	f := newBridgeFixture(t)
	require.NoError(t, f.svc.Process(context.Background(), found(rendererUSN, rendererLocation)))

	f.svc.deviceFailed(rendererUSN, &subscription.RenewalError{USN: rendererUSN, SID: "uuid:unknown", Err: errRefused})
	assert.True(t, f.svc.Registry().Has(rendererUSN))
}

func TestUnavailableRemovesDeviceAndForgetsRetry(t *testing.T) {
	f := newBridgeFixture(t)
	f.start(t)

	f.svc.HandleDiscovery(found(rendererUSN, rendererLocation))
	require.Eventually(t, func() bool { return f.svc.Registry().Has(rendererUSN) }, timeout, tick)

	f.svc.HandleDiscovery(discovery.Event{USN: rendererUSN, Kind: discovery.KindUnavailable})

	require.Eventually(t, func() bool { return !f.svc.Registry().Has(rendererUSN) }, timeout, tick)
	require.Eventually(t, func() bool { return len(f.bus.Topic("upnp/"+rendererUSN)) == 2 }, timeout, tick)
	assert.JSONEq(t, `{"available":false}`, string(f.bus.Topic("upnp/" + rendererUSN)[1].Payload))
	for _, h := range f.subscriber.all() {
		assert.True(t, h.wasUnsubscribed())
	}
	assert.Empty(t, f.svc.Queue().Scheduled())
	assert.Empty(t, f.store.devices())
}

func TestUnavailableWhileFailingStopsRetries(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()
	f.subscriber.failURL("http://10.0.0.5/AVTransport/Event", errRefused)

	ev := found(rendererUSN, rendererLocation)
	err := f.svc.Process(ctx, ev)
	require.Error(t, err)

	f.svc.HandleDiscovery(discovery.Event{USN: rendererUSN, Kind: discovery.KindUnavailable})
	assert.False(t, f.svc.Rollback(ctx, ev, err))
}

func TestRetryParkedAfterUnavailableIsDropped(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()
	f.subscriber.failURL("http://10.0.0.5/AVTransport/Event", errRefused)

	ev := found(rendererUSN, rendererLocation)
	err := f.svc.Process(ctx, ev)
	require.Error(t, err)
	require.True(t, f.svc.Rollback(ctx, ev, err), "device still present, retry")

	// Unavailable arrives before the retry is parked, so Forget finds nothing.
	f.svc.HandleDiscovery(discovery.Event{USN: rendererUSN, Kind: discovery.KindUnavailable})
	f.subscriber.failURL("http://10.0.0.5/AVTransport/Event", nil)
	loads := f.devices.loads.Load()
	subscribed := len(f.subscriber.journal.all())

	require.NoError(t, f.svc.Process(ctx, ev))

	assert.False(t, f.svc.Registry().Has(rendererUSN))
	assert.Equal(t, loads, f.devices.loads.Load(), "no description fetch")
	assert.Len(t, f.subscriber.journal.all(), subscribed)

	// A fresh sighting brings the device back.
	f.svc.HandleDiscovery(found(rendererUSN, rendererLocation))
	require.NoError(t, f.svc.Process(ctx, ev))
	assert.True(t, f.svc.Registry().Has(rendererUSN))
}

func TestUnsubscribeAllSync(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()
	f.devices.add("http://10.0.0.6/desc.xml", "uuid:SPEAKER-1", "Kitchen",
		fakeService{renderingID, "/RC/Event"},
		fakeService{avTransportID, "/AVT/Event"},
	)
	f.devices.add(rendererLocation, rendererUSN, "Living Room",
		fakeService{avTransportID, "/AVTransport/Event"},
	)

	require.NoError(t, f.svc.Process(ctx, found(rendererUSN, rendererLocation)))
	require.NoError(t, f.svc.Process(ctx, found("uuid:SPEAKER-1", "http://10.0.0.6/desc.xml")))

	assert.Equal(t, 3, f.svc.UnsubscribeAllSync())
	for _, h := range f.subscriber.all() {
		assert.True(t, h.wasCancelled(), h.ID())
	}
	assert.Equal(t, 0, f.svc.Registry().Count())
	assert.Equal(t, 0, f.svc.Status().Guarded)
}

func TestReprocess(t *testing.T) {
	f := newBridgeFixture(t)
	assert.ErrorIs(t, f.svc.Reprocess(rendererUSN), ErrDeviceNotFound)

	require.NoError(t, f.svc.Process(context.Background(), found(rendererUSN, rendererLocation)))
	require.NoError(t, f.svc.Reprocess(rendererUSN))

	ev, ok := f.svc.Queue().Pop()
	require.True(t, ok)
	assert.Equal(t, discovery.KindUpdate, ev.Kind)
	assert.Equal(t, rendererLocation, ev.Location)
}

func TestDevicesSnapshot(t *testing.T) {
	f := newBridgeFixture(t)
	require.NoError(t, f.svc.Process(context.Background(), found(rendererUSN, rendererLocation)))

	devices := f.svc.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, rendererUSN, devices[0].UDN)
	assert.Equal(t, "ACTIVE", devices[0].State)
	require.Len(t, devices[0].Subscriptions, 3)
	assert.Equal(t, "uuid:sid-1", devices[0].Subscriptions[0].SID)
	assert.Equal(t, avTransportID, devices[0].Subscriptions[0].ServiceID)
}

func TestStateRestoredOnStart(t *testing.T) {
	f := newBridgeFixture(t)
	require.NoError(t, f.store.Save(&persistence.BridgeState{
		InstanceID: "bridge-42",
		Devices:    []persistence.KnownDevice{{USN: rendererUSN, Location: rendererLocation}},
	}))

	require.NoError(t, f.svc.LoadState())
	assert.Equal(t, "bridge-42", f.svc.InstanceID())

	f.start(t)
	require.Eventually(t, func() bool { return f.svc.Registry().Has(rendererUSN) }, timeout, tick)
}

func TestStartStop(t *testing.T) {
	f := newBridgeFixture(t)
	assert.ErrorIs(t, f.svc.Stop(), ErrNotStarted)

	require.NoError(t, f.svc.Start(context.Background()))
	assert.Equal(t, StateRunning, f.svc.State())
	assert.ErrorIs(t, f.svc.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, f.svc.Stop())
	assert.Equal(t, StateStopped, f.svc.State())
}
