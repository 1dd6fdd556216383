package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/mash-protocol/upnp-bridge/pkg/gena"
)

type stubSubscriber struct{ mock.Mock }

func (s *stubSubscriber) Subscribe(ctx context.Context, eventURL string) (Handle, error) {
	args := s.Called(ctx, eventURL)
	h, _ := args.Get(0).(Handle)
	return h, args.Error(1)
}

// fakeHandle records calls and lets tests fire its callbacks.
type fakeHandle struct {
	mu           sync.Mutex
	id           string
	unsubErr     error
	unsubscribed bool
	cancelled    bool
	onMessage    func(gena.Notification)
	onRenewing   func(string)
	onFailure    func(string, error)
	onRenewed    func(string, string, time.Duration)
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{id: id}
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

func (h *fakeHandle) OnRenewing(fn func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRenewing = fn
}

func (h *fakeHandle) OnRenewed(fn func(string, string, time.Duration)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRenewed = fn
}

func (h *fakeHandle) Unsubscribe(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribed = true
	return h.unsubErr
}

func (h *fakeHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = true
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

func (h *fakeHandle) startRenewal() {
	h.mu.Lock()
	fn, id := h.onRenewing, h.id
	h.mu.Unlock()
	fn(id)
}

func (h *fakeHandle) renewed(newID string, lease time.Duration) {
	h.mu.Lock()
	old := h.id
	h.id = newID
	fn := h.onRenewed
	h.mu.Unlock()
	fn(old, newID, lease)
}

func (h *fakeHandle) resubscribe(newID string) {
	h.startRenewal()
	h.renewed(newID, 600*time.Second)
}

func (h *fakeHandle) notify(n gena.Notification) {
	h.mu.Lock()
	fn := h.onMessage
	h.mu.Unlock()
	fn(n)
}
