// Package gena implements the client side of UPnP General Event
// Notification Architecture subscriptions.
//
// A Client sends SUBSCRIBE, renewal and UNSUBSCRIBE requests to device
// event URLs. Each Subscription owns its lease timer: it renews at half the
// granted timeout, falls back to a fresh SUBSCRIBE when renewal fails, and
// reports a renewal failure when that also fails.
//
// NOTIFY requests are received by a CallbackServer. Each subscription has
// its own callback path /notify/{token}, so notifications are matched to
// their subscription even before the SID of the SUBSCRIBE response is
// known. Notifications that arrive before a message handler is attached are
// buffered and flushed when the handler is set.
package gena
