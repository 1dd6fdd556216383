// Package persistence provides runtime state persistence for the bridge.
//
// The bridge remembers the devices it had active and its instance ID so a
// restart can re-queue known locations before the first SSDP search answers.
package persistence
