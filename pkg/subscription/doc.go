// Package subscription manages the GENA subscription set of each device.
//
// A device's services are subscribed one at a time in document order and
// the group succeeds or fails as a whole. On failure the caller receives a
// *SubscribeError and is responsible for tearing down whatever was already
// registered.
//
// # Device States
//
//	Fetching -> Subscribing -> Active -> Renewing -> Active
//	                                  -> RenewalFailed -> (teardown)
//	(teardown) -> Unsubscribing -> Removed
//
// # Renewal
//
// Lease timing belongs to the subscription handle. The device is Renewing
// while any of its renewals is in flight, and each renewal stores the
// granted lease on the record. When a renewal fails and the handle
// recovers with a fresh SUBSCRIBE, the record is replaced under the new
// subscription id and the route is re-keyed before the handle releases
// the notifications it held for that id. When recovery also
// fails the Manager reports the whole device as failed; a device is never
// left with a partial subscription set.
//
// # Teardown
//
// UnsubscribeAll unsubscribes every record concurrently and waits for each
// to finish. Failures are aggregated and returned for logging only.
// UnsubscribeAllSync fires the requests without waiting and is meant for
// process shutdown.
package subscription
