// Package registry holds the authoritative set of active devices and the
// routing index from subscription id to device and service.
package registry
