package log

import (
	"time"
)

// Event is one trace record. CBOR encoding uses integer keys.
type Event struct {
	// Timestamp when the event occurred.
	Timestamp time.Time `cbor:"1,keyasint"`

	// Category classifies the event.
	Category Category `cbor:"2,keyasint"`

	// USN is the normalized unique service name of the device.
	USN string `cbor:"3,keyasint,omitempty"`

	// UDN is the device UDN, known once the description has been fetched.
	UDN string `cbor:"4,keyasint,omitempty"`

	// ServiceID is the UPnP serviceId for subscription and notification events.
	ServiceID string `cbor:"5,keyasint,omitempty"`

	// SID is the GENA subscription identifier.
	SID string `cbor:"6,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Discovery    *DiscoveryEvent    `cbor:"10,keyasint,omitempty"`
	Subscription *SubscriptionEvent `cbor:"11,keyasint,omitempty"`
	Notification *NotificationEvent `cbor:"12,keyasint,omitempty"`
	Publish      *PublishEvent      `cbor:"13,keyasint,omitempty"`
	Error        *ErrorEventData    `cbor:"14,keyasint,omitempty"`
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryDiscovery is an SSDP alive, update or byebye.
	CategoryDiscovery Category = 0
	// CategorySubscription is a GENA subscription lifecycle change.
	CategorySubscription Category = 1
	// CategoryNotification is an incoming GENA NOTIFY.
	CategoryNotification Category = 2
	// CategoryPublish is a message sent to the bus.
	CategoryPublish Category = 3
	// CategoryError is a failure at any stage.
	CategoryError Category = 4
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryDiscovery:
		return "DISCOVERY"
	case CategorySubscription:
		return "SUBSCRIPTION"
	case CategoryNotification:
		return "NOTIFICATION"
	case CategoryPublish:
		return "PUBLISH"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseCategory returns the category for a name as produced by String.
func ParseCategory(name string) (Category, bool) {
	for c := CategoryDiscovery; c <= CategoryError; c++ {
		if c.String() == name {
			return c, true
		}
	}
	return 0, false
}

// DiscoveryEvent captures an SSDP event after classification.
type DiscoveryEvent struct {
	// Kind is found, available, update or unavailable.
	Kind string `cbor:"1,keyasint"`

	// Location is the description URL (empty for byebye).
	Location string `cbor:"2,keyasint,omitempty"`

	// Server is the SSDP SERVER header.
	Server string `cbor:"3,keyasint,omitempty"`
}

// SubscriptionAction is the subscription lifecycle step.
type SubscriptionAction uint8

const (
	ActionSubscribe     SubscriptionAction = 0
	ActionRenew         SubscriptionAction = 1
	ActionResubscribe   SubscriptionAction = 2
	ActionRenewalFailed SubscriptionAction = 3
	ActionUnsubscribe   SubscriptionAction = 4
)

// String returns the action name.
func (a SubscriptionAction) String() string {
	switch a {
	case ActionSubscribe:
		return "SUBSCRIBE"
	case ActionRenew:
		return "RENEW"
	case ActionResubscribe:
		return "RESUBSCRIBE"
	case ActionRenewalFailed:
		return "RENEWAL_FAILED"
	case ActionUnsubscribe:
		return "UNSUBSCRIBE"
	default:
		return "UNKNOWN"
	}
}

// SubscriptionEvent captures a change to one GENA subscription.
type SubscriptionEvent struct {
	Action SubscriptionAction `cbor:"1,keyasint"`

	// EventURL is the absolute eventSubURL.
	EventURL string `cbor:"2,keyasint,omitempty"`

	// OldSID is set on resubscribe.
	OldSID string `cbor:"3,keyasint,omitempty"`

	// Timeout is the lease granted by the device.
	Timeout time.Duration `cbor:"4,keyasint,omitempty"`
}

// NotificationEvent captures a decoded NOTIFY body.
type NotificationEvent struct {
	// Seq is the GENA SEQ header.
	Seq uint32 `cbor:"1,keyasint"`

	// Properties holds the normalized variable values.
	Properties map[string]string `cbor:"2,keyasint,omitempty"`
}

// PublishEvent captures a bus publish.
type PublishEvent struct {
	Topic  string `cbor:"1,keyasint"`
	Size   int    `cbor:"2,keyasint"`
	Retain bool   `cbor:"3,keyasint,omitempty"`
}

// ErrorEventData captures a failure.
type ErrorEventData struct {
	// Stage names the pipeline step, e.g. "fetch" or "subscribe".
	Stage string `cbor:"1,keyasint"`

	// Message is the error text.
	Message string `cbor:"2,keyasint"`
}
