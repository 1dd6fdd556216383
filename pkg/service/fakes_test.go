package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/huin/goupnp"

	"github.com/mash-protocol/upnp-bridge/pkg/gena"
	"github.com/mash-protocol/upnp-bridge/pkg/persistence"
	"github.com/mash-protocol/upnp-bridge/pkg/subscription"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var errRefused = errors.New("connection refused")

// fakeHandle records calls and lets tests fire its callbacks.
type fakeHandle struct {
	mu           sync.Mutex
	id           string
	eventURL     string
	journal      *journal
	unsubscribed bool
	cancelled    bool
	onMessage    func(gena.Notification)
	onFailure    func(string, error)
}

func (h *fakeHandle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

func (h *fakeHandle) Timeout() time.Duration { return 300 * time.Second }

func (h *fakeHandle) OnMessage(fn func(gena.Notification)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage = fn
}

func (h *fakeHandle) OnRenewalFailure(fn func(string, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onFailure = fn
}

func (h *fakeHandle) OnRenewing(func(string)) {}

func (h *fakeHandle) OnRenewed(func(string, string, time.Duration)) {}

func (h *fakeHandle) Unsubscribe(context.Context) error {
	h.mu.Lock()
	h.unsubscribed = true
	id := h.id
	h.mu.Unlock()
	h.journal.add("unsubscribe " + id)
	return nil
}

func (h *fakeHandle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	id := h.id
	h.mu.Unlock()
	h.journal.add("cancel " + id)
}

func (h *fakeHandle) wasUnsubscribed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unsubscribed
}

func (h *fakeHandle) wasCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *fakeHandle) fail(err error) {
	h.mu.Lock()
	fn, id := h.onFailure, h.id
	h.mu.Unlock()
	fn(id, err)
}

func (h *fakeHandle) notify(props ...gena.Property) {
	h.mu.Lock()
	fn, id := h.onMessage, h.id
	h.mu.Unlock()
	fn(gena.Notification{SID: id, Properties: props, Received: time.Now()})
}

// journal keeps the order of subscribe and unsubscribe calls.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// fakeSubscriber hands out fakeHandles with sequential ids.
type fakeSubscriber struct {
	journal *journal

	mu      sync.Mutex
	next    int
	fail    map[string]error
	handles []*fakeHandle
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{journal: &journal{}, fail: make(map[string]error)}
}

func (s *fakeSubscriber) Subscribe(_ context.Context, eventURL string) (subscription.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.journal.add("subscribe " + eventURL)
	if err := s.fail[eventURL]; err != nil {
		return nil, err
	}
	s.next++
	h := &fakeHandle{id: fmt.Sprintf("uuid:sid-%d", s.next), eventURL: eventURL, journal: s.journal}
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *fakeSubscriber) failURL(eventURL string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, eventURL)
		return
	}
	s.fail[eventURL] = err
}

func (s *fakeSubscriber) all() []*fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeHandle(nil), s.handles...)
}

func (s *fakeSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

type fakeService struct {
	id, path string
}

// fakeDevices serves root devices by location and counts loads.
type fakeDevices struct {
	mu      sync.Mutex
	devices map[string]*goupnp.RootDevice
	loads   atomic.Int32
	gate    chan struct{}
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{devices: make(map[string]*goupnp.RootDevice)}
}

func (f *fakeDevices) add(location, udn, name string, services ...fakeService) {
	root := &goupnp.RootDevice{}
	root.Device.UDN = udn
	root.Device.FriendlyName = name
	root.Device.DeviceType = "urn:schemas-upnp-org:device:MediaRenderer:1"
	for _, s := range services {
		svc := goupnp.Service{ServiceId: s.id}
		svc.EventSubURL.Str = s.path
		root.Device.Services = append(root.Device.Services, svc)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[location] = root
}

func (f *fakeDevices) load(ctx context.Context, loc *url.URL) (*goupnp.RootDevice, error) {
	f.loads.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	root, ok := f.devices[loc.String()]
	if !ok {
		return nil, errRefused
	}
	return root, nil
}

// memoryStore is an in-memory StateStore.
type memoryStore struct {
	mu    sync.Mutex
	state *persistence.BridgeState
	saves int
}

func (m *memoryStore) Save(state *persistence.BridgeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *state
	cp.Devices = append([]persistence.KnownDevice(nil), state.Devices...)
	m.state = &cp
	m.saves++
	return nil
}

func (m *memoryStore) Load() (*persistence.BridgeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *memoryStore) devices() []persistence.KnownDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil
	}
	return append([]persistence.KnownDevice(nil), m.state.Devices...)
}
