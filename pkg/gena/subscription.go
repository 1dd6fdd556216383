package gena

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Subscription is one active GENA subscription. It is safe for concurrent
// use.
type Subscription struct {
	client   *Client
	token    string
	eventURL *url.URL

	mu               sync.Mutex
	sid              string
	timeout          time.Duration
	closed           bool
	onMessage        func(Notification)
	pending          []Notification
	holding          bool
	onRenewing       func(sid string)
	onRenewalFailure func(sid string, err error)
	onRenewed        func(oldSID, newSID string, timeout time.Duration)
	stop             chan struct{}

	// deliverMu keeps handler invocations in arrival order across the
	// pending flush.
	deliverMu sync.Mutex
}

// ID returns the current SID. It changes after a resubscribe.
func (s *Subscription) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// Timeout returns the lease granted by the device.
func (s *Subscription) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// EventURL returns the subscription endpoint.
func (s *Subscription) EventURL() string {
	return s.eventURL.String()
}

// OnMessage attaches the notification handler and flushes any
// notifications received before it was attached.
func (s *Subscription) OnMessage(fn func(Notification)) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	s.onMessage = fn
	if fn == nil || s.holding {
		s.mu.Unlock()
		return
	}
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, n := range pending {
		fn(n)
	}
}

// OnRenewalFailure sets the handler called when both renewal and
// resubscribe fail. The renewal loop stops after calling it.
func (s *Subscription) OnRenewalFailure(fn func(sid string, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRenewalFailure = fn
}

// OnRenewing sets the handler called before each renewal attempt.
func (s *Subscription) OnRenewing(fn func(sid string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRenewing = fn
}

// OnRenewed sets the handler called after every successful renewal with
// the granted timeout. newSID differs from oldSID when a rejected renewal
// was recovered by a fresh SUBSCRIBE. Notifications that arrive during
// that SUBSCRIBE are held until the handler returns.
func (s *Subscription) OnRenewed(fn func(oldSID, newSID string, timeout time.Duration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRenewed = fn
}

// Unsubscribe stops renewal and waits for the UNSUBSCRIBE response.
// It does not wait for an in-progress renewal to finish.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	sid, ok := s.close()
	if !ok {
		return ErrUnsubscribed
	}
	if err := s.client.unsubscribe(ctx, s.eventURL, sid); err != nil {
		return &Error{Op: OpUnsubscribe, EventURL: s.eventURL.String(), SID: sid, Err: err}
	}
	return nil
}

// Cancel stops renewal and fires UNSUBSCRIBE without waiting. Use
// Client.Drain to bound the wait for outstanding requests.
func (s *Subscription) Cancel() {
	sid, ok := s.close()
	if !ok {
		return
	}
	s.client.fire(s.eventURL, sid)
}

func (s *Subscription) close() (string, bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", false
	}
	s.closed = true
	close(s.stop)
	sid := s.sid
	s.mu.Unlock()

	s.client.server.unregister(s.token)
	return sid, true
}

func (s *Subscription) deliver(n Notification) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fn := s.onMessage
	if fn == nil || s.holding {
		if len(s.pending) >= maxPending {
			s.pending = s.pending[1:]
		}
		s.pending = append(s.pending, n)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	fn(n)
}

func (s *Subscription) startRenewal() {
	timer := s.client.clock.Timer(renewAfter(s.timeout))
	go s.renewLoop(timer)
}

func renewAfter(timeout time.Duration) time.Duration {
	d := timeout / 2
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (s *Subscription) renewLoop(timer *clock.Timer) {
	defer s.client.recoverPanic("gena renewal loop")
	logger := s.client.logger
	for {
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		oldSID := s.sid
		renewing := s.onRenewing
		s.mu.Unlock()
		if renewing != nil {
			renewing(oldSID)
		}

		sid, timeout, err := s.renewOnce(oldSID)
		if err != nil {
			s.release()
			s.mu.Lock()
			closed := s.closed
			fn := s.onRenewalFailure
			s.mu.Unlock()
			if closed {
				return
			}
			logger.Warn().Err(err).Str("sid", oldSID).Str("event_url", s.eventURL.String()).Msg("renewal failed")
			if fn != nil {
				fn(oldSID, err)
			}
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			// Unsubscribe raced with a resubscribe; release the new SID too.
			if sid != oldSID {
				s.client.fire(s.eventURL, sid)
			}
			return
		}
		s.sid = sid
		s.timeout = timeout
		fn := s.onRenewed
		s.mu.Unlock()

		if sid != oldSID {
			logger.Info().Str("old_sid", oldSID).Str("sid", sid).Msg("resubscribed")
		}
		if fn != nil {
			fn(oldSID, sid, timeout)
		}
		s.release()
		timer = s.client.clock.Timer(renewAfter(timeout))
	}
}

// renewOnce renews sid and falls back to a fresh SUBSCRIBE on failure.
func (s *Subscription) renewOnce(sid string) (string, time.Duration, error) {
	ctx, cancel := stopContext(s.stop)
	defer cancel()

	newSID, timeout, err := s.client.renew(ctx, s.eventURL, sid)
	if err == nil {
		return newSID, timeout, nil
	}
	s.client.logger.Debug().Err(err).Str("sid", sid).Msg("renew rejected, resubscribing")

	// The device may send the initial event for the new SID before the
	// SUBSCRIBE response arrives.
	s.hold()
	newSID, timeout, err = s.client.subscribe(ctx, s.eventURL, s.token)
	if err != nil {
		return "", 0, &Error{Op: OpResubscribe, EventURL: s.eventURL.String(), SID: sid, Err: err}
	}
	return newSID, timeout, nil
}

func (s *Subscription) hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holding = true
}

// release ends a hold and flushes what arrived during it.
func (s *Subscription) release() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if !s.holding {
		s.mu.Unlock()
		return
	}
	s.holding = false
	fn := s.onMessage
	if fn == nil || s.closed {
		s.mu.Unlock()
		return
	}
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, n := range pending {
		fn(n)
	}
}

// stopContext returns a context cancelled when stop closes.
func stopContext(stop <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
