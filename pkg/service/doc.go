// Package service ties the bridge components into a running pipeline.
//
// # BridgeService
//
// BridgeService owns the processing context: the device registry, the
// description guard, the discovery queue and the set of devices whose
// subscriptions are still being set up. SSDP events enter through
// HandleDiscovery; Found, Available and Update events are queued and
// processed one at a time by the queue worker:
//
//	fetch description -> extract eventable services -> subscribe all
//
// A device only enters the registry once every service is subscribed.
// Any failure rolls back what was created and the event is retried after
// a backoff. Unavailable events and lost subscriptions tear the device
// down immediately under its USN lock.
//
// Example usage:
//
//	svc, err := service.NewBridgeService(config, subscriber, publisher)
//	monitor.OnEvent(svc.HandleDiscovery)
//	svc.Start(ctx)
//
// # Lifecycle
//
// Lifecycle waits for a termination signal or a fatal error, then fires
// UNSUBSCRIBE for every active subscription without waiting for answers,
// gives the requests a bounded grace period and returns the exit code.
//
// # Event Callbacks
//
// The service emits events for device state changes:
//   - EventDiscovered: a device was queued for processing
//   - EventActivated: every service of a device is subscribed
//   - EventRemoved: a device was torn down
//   - EventFailed: processing or a subscription failed
package service
