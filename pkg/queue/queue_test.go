package queue

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/upnp-bridge/pkg/discovery"
)

func found(usn, location string) discovery.Event {
	return discovery.Event{USN: usn, Location: location, Kind: discovery.KindFound}
}

func TestQueueFIFO(t *testing.T) {
	q := New()
	assert.True(t, q.Push(found("uuid:a", "http://a/")))
	assert.True(t, q.Push(found("uuid:b", "http://b/")))
	assert.Equal(t, 2, q.Len())

	ev, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "uuid:a", ev.USN)
	ev, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "uuid:b", ev.USN)
	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestQueueDedupe(t *testing.T) {
	q := New()
	q.Push(found("uuid:a", "http://a/"))
	q.Push(found("uuid:b", "http://b/"))
	q.Push(discovery.Event{USN: "uuid:a", Location: "http://a2/", Kind: discovery.KindUpdate})
	q.Push(discovery.Event{USN: "uuid:a", Location: "http://a2/", Kind: discovery.KindAvailable})

	require.Equal(t, 2, q.Len())
	ev, _ := q.Pop()
	assert.Equal(t, "uuid:a", ev.USN)
	assert.Equal(t, "http://a2/", ev.Location)
	assert.Equal(t, discovery.KindUpdate, ev.Kind, "update must survive a later available")
}

func TestQueueRetryNeverImmediate(t *testing.T) {
	mock := clock.NewMock()
	q := New(WithClock(mock))

	delay, attempt := q.Retry(found("uuid:a", "http://a/"))
	assert.Equal(t, time.Second, delay)
	assert.Equal(t, 1, attempt)

	_, ok := q.Pop()
	assert.False(t, ok, "retry must wait for its backoff")

	mock.Add(999 * time.Millisecond)
	_, ok = q.Pop()
	assert.False(t, ok)

	mock.Add(time.Millisecond)
	ev, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "uuid:a", ev.USN)
}

func TestQueueRetryEscalatesAndCaps(t *testing.T) {
	mock := clock.NewMock()
	q := New(WithClock(mock), WithRetryPolicy(RetryPolicy{
		Initial:    time.Second,
		Max:        10 * time.Second,
		Multiplier: 2,
	}))

	ev := found("uuid:a", "http://a/")
	var delays []time.Duration
	for i := 0; i < 6; i++ {
		d, attempt := q.Retry(ev)
		assert.Equal(t, i+1, attempt)
		delays = append(delays, d)
		mock.Add(d)
		_, ok := q.Pop()
		require.True(t, ok)
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, delays)

	q.Succeeded("uuid:a")
	d, attempt := q.Retry(ev)
	assert.Equal(t, time.Second, d)
	assert.Equal(t, 1, attempt)
}

func TestQueuePushWhileParked(t *testing.T) {
	mock := clock.NewMock()
	q := New(WithClock(mock))

	q.Retry(found("uuid:a", "http://a/"))
	assert.False(t, q.Push(found("uuid:a", "http://a-new/")))
	assert.Equal(t, 0, q.Len())

	scheduled := q.Scheduled()
	require.Len(t, scheduled, 1)
	assert.Equal(t, "http://a-new/", scheduled[0].Event.Location)

	mock.Add(time.Second)
	ev, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "http://a-new/", ev.Location)
}

func TestQueueRetryAbsorbsQueuedDuplicate(t *testing.T) {
	q := New(WithClock(clock.NewMock()))

	q.Push(discovery.Event{USN: "uuid:a", Location: "http://a2/", Kind: discovery.KindUpdate})
	q.Retry(found("uuid:a", "http://a/"))

	assert.Equal(t, 0, q.Len())
	scheduled := q.Scheduled()
	require.Len(t, scheduled, 1)
	assert.Equal(t, "http://a2/", scheduled[0].Event.Location)
	assert.Equal(t, discovery.KindUpdate, scheduled[0].Event.Kind)
}

func TestQueueForget(t *testing.T) {
	q := New(WithClock(clock.NewMock()))

	q.Push(found("uuid:a", "http://a/"))
	q.Retry(found("uuid:b", "http://b/"))

	assert.True(t, q.Forget("uuid:a"))
	assert.True(t, q.Forget("uuid:b"))
	assert.False(t, q.Forget("uuid:c"))
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Scheduled())

	d, attempt := q.Retry(found("uuid:b", "http://b/"))
	assert.Equal(t, time.Second, d)
	assert.Equal(t, 1, attempt, "forget resets the failure count")
}

func TestQueuePromotesInDeadlineOrder(t *testing.T) {
	mock := clock.NewMock()
	q := New(WithClock(mock))

	q.Retry(found("uuid:b", "http://b/"))
	mock.Add(500 * time.Millisecond)
	q.Retry(found("uuid:a", "http://a/"))
	q.Push(found("uuid:c", "http://c/"))

	mock.Add(2 * time.Second)
	var order []string
	for {
		ev, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, ev.USN)
	}
	assert.Equal(t, []string{"uuid:c", "uuid:b", "uuid:a"}, order)
}

func TestQueueWake(t *testing.T) {
	q := New()
	q.Push(found("uuid:a", "http://a/"))
	q.Push(found("uuid:b", "http://b/"))

	select {
	case <-q.Wake():
	default:
		t.Fatal("expected wake signal")
	}
	select {
	case <-q.Wake():
		t.Fatal("wake signal must not accumulate")
	default:
	}
}
