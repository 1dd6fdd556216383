package gena

import (
	"errors"
	"fmt"
	"time"
)

// Header values defined by GENA.
const (
	NTEvent       = "upnp:event"
	NTSPropChange = "upnp:propchange"
)

// DefaultLease is requested when no lease is configured.
const DefaultLease = 300 * time.Second

// maxPending bounds the notifications buffered before a handler attaches.
const maxPending = 64

var (
	// ErrNoSubscriptionID is returned when a SUBSCRIBE response has no SID.
	ErrNoSubscriptionID = errors.New("subscribe response carried no SID")

	// ErrUnsubscribed is returned for operations on a closed subscription.
	ErrUnsubscribed = errors.New("subscription closed")

	// ErrServerNotStarted is returned when subscribing before the callback
	// server is listening.
	ErrServerNotStarted = errors.New("callback server not started")
)

// Op is the GENA request that failed.
type Op uint8

const (
	OpSubscribe Op = iota
	OpRenew
	OpResubscribe
	OpUnsubscribe
)

// String returns the operation name.
func (o Op) String() string {
	switch o {
	case OpSubscribe:
		return "subscribe"
	case OpRenew:
		return "renew"
	case OpResubscribe:
		return "resubscribe"
	case OpUnsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

// Error is a failed GENA request.
type Error struct {
	Op       Op
	EventURL string
	SID      string
	Err      error
}

func (e *Error) Error() string {
	if e.SID != "" {
		return fmt.Sprintf("gena %s %s (sid %s): %v", e.Op, e.EventURL, e.SID, e.Err)
	}
	return fmt.Sprintf("gena %s %s: %v", e.Op, e.EventURL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusError is a non-200 response to a GENA request.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return "unexpected status " + e.Status
}

// Property is one evented state variable from a NOTIFY body.
type Property struct {
	Name  string
	Value string
}

// Notification is a decoded NOTIFY request.
type Notification struct {
	// SID is the subscription identifier from the SID header.
	SID string

	// Seq is the event key from the SEQ header.
	Seq uint32

	// Properties in document order. A name may repeat.
	Properties []Property

	// Received is when the callback server accepted the request.
	Received time.Time
}
