package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mash-protocol/upnp-bridge/pkg/description"
)

// State is the lifecycle state of a device.
type State uint8

const (
	StateFetching State = iota
	StateSubscribing
	StateActive
	StateRenewing
	StateRenewalFailed
	StateUnsubscribing
	StateRemoved
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateFetching:
		return "FETCHING"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateActive:
		return "ACTIVE"
	case StateRenewing:
		return "RENEWING"
	case StateRenewalFailed:
		return "RENEWAL_FAILED"
	case StateUnsubscribing:
		return "UNSUBSCRIBING"
	case StateRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// Handle is the part of a subscription the registry needs for teardown.
type Handle interface {
	ID() string
	Unsubscribe(ctx context.Context) error
	Cancel()
}

// SubscriptionRecord is one service subscription of a device. Records are
// replaced, never mutated, when the subscription id changes.
type SubscriptionRecord struct {
	ServiceID string
	EventURL  string
	Handle    Handle
	Since     time.Time
	Lease     time.Duration
}

// Route maps a subscription id back to its device and service.
type Route struct {
	USN       string
	UDN       string
	ServiceID string
}

// DeviceRecord is a device with a full subscription set.
type DeviceRecord struct {
	USN         string
	Location    string
	Server      string
	Description *description.Descriptor

	mu            sync.RWMutex
	state         State
	renewals      int
	subscriptions map[string]*SubscriptionRecord
	activated     time.Time
}

// NewDeviceRecord returns a record in StateFetching.
func NewDeviceRecord(usn, location, server string) *DeviceRecord {
	return &DeviceRecord{
		USN:           usn,
		Location:      location,
		Server:        server,
		subscriptions: make(map[string]*SubscriptionRecord),
	}
}

// UDN returns the description UDN, or "" before the fetch.
func (d *DeviceRecord) UDN() string {
	if d.Description == nil {
		return ""
	}
	return d.Description.UDN
}

// FriendlyName returns the description friendly name.
func (d *DeviceRecord) FriendlyName() string {
	if d.Description == nil {
		return ""
	}
	return d.Description.FriendlyName
}

// State returns the lifecycle state.
func (d *DeviceRecord) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// SetState moves the device to state. Entering StateActive the first time
// records the activation time.
func (d *DeviceRecord) SetState(state State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
	if state == StateActive && d.activated.IsZero() {
		d.activated = time.Now()
	}
}

// BeginRenewal moves the device to StateRenewing while a renewal is in
// flight. It reports false, leaving the state alone, unless the device is
// active or already renewing.
func (d *DeviceRecord) BeginRenewal() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateActive && d.state != StateRenewing {
		return false
	}
	d.renewals++
	d.state = StateRenewing
	return true
}

// EndRenewal ends a renewal started by a successful BeginRenewal. The last
// one to finish returns the device to StateActive.
func (d *DeviceRecord) EndRenewal() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.renewals > 0 {
		d.renewals--
	}
	if d.renewals == 0 && d.state == StateRenewing {
		d.state = StateActive
	}
}

// Activated returns when the device first became active.
func (d *DeviceRecord) Activated() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.activated
}

// AddSubscription stores rec under sid.
func (d *DeviceRecord) AddSubscription(sid string, rec *SubscriptionRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscriptions[sid] = rec
}

// RenewSubscription records a renewal of oldSID granted under newSID for
// lease. A changed id replaces the record with a new one whose Since is
// now. It reports false if oldSID is unknown.
func (d *DeviceRecord) RenewSubscription(oldSID, newSID string, lease time.Duration, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	old, ok := d.subscriptions[oldSID]
	if !ok {
		return false
	}
	next := *old
	next.Lease = lease
	if newSID != oldSID {
		next.Since = now
		delete(d.subscriptions, oldSID)
	}
	d.subscriptions[newSID] = &next
	return true
}

// RemoveSubscription deletes the record for sid.
func (d *DeviceRecord) RemoveSubscription(sid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subscriptions, sid)
}

// TakeSubscriptions removes and returns every record, keyed by sid.
func (d *DeviceRecord) TakeSubscriptions() map[string]*SubscriptionRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.subscriptions
	d.subscriptions = make(map[string]*SubscriptionRecord)
	return out
}

// Subscriptions returns a snapshot of the records keyed by sid.
func (d *DeviceRecord) Subscriptions() map[string]*SubscriptionRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]*SubscriptionRecord, len(d.subscriptions))
	for sid, rec := range d.subscriptions {
		out[sid] = rec
	}
	return out
}

// SubscriptionIDs returns the subscription ids in sorted order.
func (d *DeviceRecord) SubscriptionIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.subscriptions))
	for sid := range d.subscriptions {
		ids = append(ids, sid)
	}
	sort.Strings(ids)
	return ids
}

// SubscriptionCount returns the number of subscriptions.
func (d *DeviceRecord) SubscriptionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscriptions)
}
