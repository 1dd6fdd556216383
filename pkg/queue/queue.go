package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"

	"github.com/mash-protocol/upnp-bridge/pkg/discovery"
)

// Default retry policy values.
const (
	DefaultRetryInitial    = 1 * time.Second
	DefaultRetryMax        = 60 * time.Second
	DefaultRetryMultiplier = 2.0
)

// RetryPolicy configures the delay before a failed event is retried.
type RetryPolicy struct {
	// Initial is the delay after the first failure.
	Initial time.Duration

	// Max caps the delay.
	Max time.Duration

	// Multiplier grows the delay per consecutive failure.
	Multiplier float64

	// Jitter is the backoff randomization factor (0 = none).
	Jitter float64
}

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial:    DefaultRetryInitial,
		Max:        DefaultRetryMax,
		Multiplier: DefaultRetryMultiplier,
	}
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Initial
	bo.MaxInterval = p.Max
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = p.Jitter
	bo.Reset()
	return bo
}

// failures tracks consecutive failures of one USN.
type failures struct {
	attempt int
	bo      *backoff.ExponentialBackOff
}

// Retry is a parked event.
type Retry struct {
	Event   discovery.Event
	Due     time.Time
	Attempt int
}

// Queue is a FIFO of discovery events with a per-USN retry schedule. It is
// safe for concurrent use.
type Queue struct {
	clock  clock.Clock
	policy RetryPolicy

	mu        sync.Mutex
	items     []discovery.Event
	scheduled map[string]*Retry
	failures  map[string]*failures
	wake      chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces the clock used for retry deadlines.
func WithClock(clk clock.Clock) Option {
	return func(q *Queue) { q.clock = clk }
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(q *Queue) { q.policy = p }
}

// New returns an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		clock:     clock.New(),
		policy:    DefaultRetryPolicy(),
		scheduled: make(map[string]*Retry),
		failures:  make(map[string]*failures),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.policy.Initial <= 0 {
		q.policy.Initial = DefaultRetryInitial
	}
	if q.policy.Max < q.policy.Initial {
		q.policy.Max = q.policy.Initial
	}
	if q.policy.Multiplier < 1 {
		q.policy.Multiplier = DefaultRetryMultiplier
	}
	return q
}

// Push appends ev. An event for a USN that is already queued replaces the
// queued one in place; one parked for retry updates the parked event and
// keeps its deadline. Push reports whether ev is immediately poppable.
func (q *Queue) Push(ev discovery.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if r, ok := q.scheduled[ev.USN]; ok {
		r.Event = merge(r.Event, ev)
		return false
	}
	for i := range q.items {
		if q.items[i].USN == ev.USN {
			q.items[i] = merge(q.items[i], ev)
			return true
		}
	}
	q.items = append(q.items, ev)
	q.signal()
	return true
}

// merge keeps the newest location. An Update stays an Update so the older
// subscription set is still torn down first.
func merge(old, ev discovery.Event) discovery.Event {
	if old.Kind == discovery.KindUpdate && ev.Kind != discovery.KindUnavailable {
		ev.Kind = discovery.KindUpdate
	}
	return ev
}

// Pop promotes due retries, then removes and returns the head.
func (q *Queue) Pop() (discovery.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promote(q.clock.Now())
	if len(q.items) == 0 {
		return discovery.Event{}, false
	}
	ev := q.items[0]
	q.items[0] = discovery.Event{}
	q.items = q.items[1:]
	return ev, true
}

// promote moves due retries to the tail in deadline order.
func (q *Queue) promote(now time.Time) {
	var due []*Retry
	for _, r := range q.scheduled {
		if !r.Due.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Due.Equal(due[j].Due) {
			return due[i].Event.USN < due[j].Event.USN
		}
		return due[i].Due.Before(due[j].Due)
	})
	for _, r := range due {
		delete(q.scheduled, r.Event.USN)
		q.items = append(q.items, r.Event)
	}
}

// Retry parks ev until its backoff elapses and returns the delay and the
// consecutive failure count. The delay is never zero.
func (q *Queue) Retry(ev discovery.Event) (time.Duration, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, ok := q.failures[ev.USN]
	if !ok {
		f = &failures{bo: q.policy.newBackOff()}
		q.failures[ev.USN] = f
	}
	f.attempt++
	delay := f.bo.NextBackOff()
	if delay <= 0 {
		delay = q.policy.Initial
	}

	// A newer event for the same device may have been queued meanwhile.
	for i := range q.items {
		if q.items[i].USN == ev.USN {
			ev = merge(ev, q.items[i])
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	q.scheduled[ev.USN] = &Retry{Event: ev, Due: q.clock.Now().Add(delay), Attempt: f.attempt}
	return delay, f.attempt
}

// Succeeded resets the failure count of usn.
func (q *Queue) Succeeded(usn string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.failures, usn)
}

// Forget drops every queued or parked event of usn and its failure count.
// It reports whether anything was dropped.
func (q *Queue) Forget(usn string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := false
	if _, ok := q.scheduled[usn]; ok {
		delete(q.scheduled, usn)
		dropped = true
	}
	for i := range q.items {
		if q.items[i].USN == usn {
			q.items = append(q.items[:i], q.items[i+1:]...)
			dropped = true
			break
		}
	}
	delete(q.failures, usn)
	return dropped
}

// Len returns the number of immediately poppable events, not counting
// retries that are due but not yet promoted.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Scheduled returns the parked retries ordered by deadline.
func (q *Queue) Scheduled() []Retry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Retry, 0, len(q.scheduled))
	for _, r := range q.scheduled {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Due.Before(out[j].Due) })
	return out
}

// Wake is signalled when an event is appended.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
