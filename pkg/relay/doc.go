// Package relay turns GENA notifications into bus messages.
//
// A notification is routed by its SID to the owning device and service,
// its properties are flattened into one map, and the result is published
// as {"body": {...}} on <prefix>/<UDN>/<serviceId>. Device availability is
// published as {"available": bool} on <prefix>/<UDN>.
package relay
