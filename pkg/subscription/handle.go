package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mash-protocol/upnp-bridge/pkg/gena"
	"github.com/mash-protocol/upnp-bridge/pkg/registry"
)

// Handle is an open subscription on one service.
type Handle interface {
	registry.Handle

	// Timeout returns the lease granted by the device.
	Timeout() time.Duration

	// OnMessage attaches the notification handler.
	OnMessage(fn func(gena.Notification))

	// OnRenewing is called before each renewal attempt.
	OnRenewing(fn func(sid string))

	// OnRenewalFailure is called once when renewal and resubscribe fail.
	OnRenewalFailure(fn func(sid string, err error))

	// OnRenewed is called after each successful renewal with the granted
	// timeout. The id changes when the device required a fresh SUBSCRIBE;
	// notifications for the new id are held until fn returns.
	OnRenewed(fn func(oldSID, newSID string, timeout time.Duration))
}

// Subscriber opens subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, eventURL string) (Handle, error)
}

// ErrNoSubscriptionID is wrapped when a handle has no id after subscribing.
var ErrNoSubscriptionID = errors.New("no subscription id")

// SubscribeError reports a failed service subscription. Registered is the
// number of sibling subscriptions already added to the device record.
type SubscribeError struct {
	USN        string
	ServiceID  string
	EventURL   string
	Registered int
	Err        error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe %s of %s (%d registered): %v", e.ServiceID, e.USN, e.Registered, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

// RenewalError reports that a subscription lease could not be kept.
type RenewalError struct {
	USN       string
	ServiceID string
	SID       string
	Err       error
}

func (e *RenewalError) Error() string {
	return fmt.Sprintf("renewal of %s on %s failed (sid %s): %v", e.ServiceID, e.USN, e.SID, e.Err)
}

func (e *RenewalError) Unwrap() error { return e.Err }

// UnsubscribeError aggregates failed unsubscribes of one device.
type UnsubscribeError struct {
	USN    string
	Failed int
	Err    error
}

func (e *UnsubscribeError) Error() string {
	return fmt.Sprintf("unsubscribe %s: %d failed: %v", e.USN, e.Failed, e.Err)
}

func (e *UnsubscribeError) Unwrap() error { return e.Err }

// GENASubscriber adapts a gena.Client to Subscriber.
type GENASubscriber struct {
	client *gena.Client
}

// NewGENASubscriber returns a Subscriber backed by client.
func NewGENASubscriber(client *gena.Client) *GENASubscriber {
	return &GENASubscriber{client: client}
}

// Subscribe opens a GENA subscription.
func (s *GENASubscriber) Subscribe(ctx context.Context, eventURL string) (Handle, error) {
	sub, err := s.client.Subscribe(ctx, eventURL)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

var (
	_ Subscriber = (*GENASubscriber)(nil)
	_ Handle     = (*gena.Subscription)(nil)
)
