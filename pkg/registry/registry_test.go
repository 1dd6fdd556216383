package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/upnp-bridge/pkg/description"
)

type stubHandle struct{ id string }

func (h stubHandle) ID() string                        { return h.id }
func (h stubHandle) Unsubscribe(context.Context) error { return nil }
func (h stubHandle) Cancel()                           {}

func TestRegistrySetGetDelete(t *testing.T) {
	r := New()
	rec := NewDeviceRecord("uuid:a", "http://10.0.0.1/d.xml", "Linux UPnP/1.0")

	assert.False(t, r.Has("uuid:a"))
	r.Set("uuid:a", rec)
	assert.True(t, r.Has("uuid:a"))

	got, ok := r.Get("uuid:a")
	require.True(t, ok)
	assert.Same(t, rec, got)
	assert.Equal(t, 1, r.Count())

	deleted, ok := r.Delete("uuid:a")
	require.True(t, ok)
	assert.Same(t, rec, deleted)
	assert.False(t, r.Has("uuid:a"))

	_, ok = r.Delete("uuid:a")
	assert.False(t, ok)
}

func TestRegistryAllSorted(t *testing.T) {
	r := New()
	for _, usn := range []string{"uuid:c", "uuid:a", "uuid:b"} {
		r.Set(usn, NewDeviceRecord(usn, "", ""))
	}
	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, "uuid:a", all[0].USN)
	assert.Equal(t, "uuid:c", all[2].USN)
}

func TestRegistryRoutes(t *testing.T) {
	r := New()
	route := Route{USN: "uuid:a", UDN: "uuid:A", ServiceID: "svc"}
	r.AddRoute("sid-1", route)

	got, ok := r.Route("sid-1")
	require.True(t, ok)
	assert.Equal(t, route, got)
	assert.Equal(t, 1, r.SubscriptionCount())

	require.True(t, r.MoveRoute("sid-1", "sid-2"))
	_, ok = r.Route("sid-1")
	assert.False(t, ok)
	_, ok = r.Route("sid-2")
	assert.True(t, ok)
	assert.False(t, r.MoveRoute("sid-1", "sid-3"))

	r.RemoveRoute("sid-2")
	assert.Zero(t, r.SubscriptionCount())
}

func TestRegistryLockSerializesPerUSN(t *testing.T) {
	r := New()
	var active, maxActive atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := r.Lock("uuid:a")
			defer unlock()
			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	r.locksMu.Lock()
	assert.Empty(t, r.locks, "locks released")
	r.locksMu.Unlock()
}

func TestRegistryLockIndependentKeys(t *testing.T) {
	r := New()
	unlockA := r.Lock("uuid:a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := r.Lock("uuid:b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different usn blocked")
	}
}

func TestDeviceRecordSubscriptions(t *testing.T) {
	rec := NewDeviceRecord("uuid:a", "http://h/d.xml", "")
	rec.Description = &description.Descriptor{UDN: "uuid:A", FriendlyName: "Lamp"}
	assert.Equal(t, "uuid:A", rec.UDN())
	assert.Equal(t, "Lamp", rec.FriendlyName())

	since := time.Unix(1000, 0)
	first := &SubscriptionRecord{ServiceID: "svc1", Handle: stubHandle{"sid-1"}, Since: since, Lease: 300 * time.Second}
	rec.AddSubscription("sid-1", first)
	rec.AddSubscription("sid-0", &SubscriptionRecord{ServiceID: "svc0"})
	assert.Equal(t, []string{"sid-0", "sid-1"}, rec.SubscriptionIDs())

	renewedAt := time.Unix(2000, 0)
	require.True(t, rec.RenewSubscription("sid-1", "sid-1", 1800*time.Second, renewedAt))
	subs := rec.Subscriptions()
	assert.NotSame(t, first, subs["sid-1"], "replaced, not mutated")
	assert.Equal(t, 1800*time.Second, subs["sid-1"].Lease)
	assert.Equal(t, since, subs["sid-1"].Since, "same id keeps its start")

	resubscribedAt := time.Unix(3000, 0)
	require.True(t, rec.RenewSubscription("sid-1", "sid-9", 600*time.Second, resubscribedAt))
	subs = rec.Subscriptions()
	require.Contains(t, subs, "sid-9")
	assert.NotContains(t, subs, "sid-1")
	assert.Equal(t, "svc1", subs["sid-9"].ServiceID)
	assert.Equal(t, 600*time.Second, subs["sid-9"].Lease)
	assert.Equal(t, resubscribedAt, subs["sid-9"].Since)
	assert.Equal(t, 300*time.Second, first.Lease)
	assert.False(t, rec.RenewSubscription("sid-1", "sid-x", time.Second, resubscribedAt))

	taken := rec.TakeSubscriptions()
	assert.Len(t, taken, 2)
	assert.Zero(t, rec.SubscriptionCount())
}

func TestDeviceRecordState(t *testing.T) {
	rec := NewDeviceRecord("uuid:a", "", "")
	assert.Equal(t, StateFetching, rec.State())
	assert.True(t, rec.Activated().IsZero())

	rec.SetState(StateActive)
	assert.Equal(t, "ACTIVE", rec.State().String())
	assert.False(t, rec.Activated().IsZero())
	assert.Equal(t, "UNKNOWN", State(99).String())
}

func TestDeviceRecordRenewalState(t *testing.T) {
	rec := NewDeviceRecord("uuid:a", "", "")
	assert.False(t, rec.BeginRenewal(), "not active yet")
	assert.Equal(t, StateFetching, rec.State())

	rec.SetState(StateActive)
	require.True(t, rec.BeginRenewal())
	require.True(t, rec.BeginRenewal())
	assert.Equal(t, StateRenewing, rec.State())

	rec.EndRenewal()
	assert.Equal(t, StateRenewing, rec.State(), "one renewal still in flight")
	rec.EndRenewal()
	assert.Equal(t, StateActive, rec.State())

	require.True(t, rec.BeginRenewal())
	rec.SetState(StateUnsubscribing)
	rec.EndRenewal()
	assert.Equal(t, StateUnsubscribing, rec.State())
	assert.False(t, rec.BeginRenewal())
}
