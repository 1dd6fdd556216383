// Package queue serializes discovery processing.
//
// A Queue holds discovery events in FIFO order with at most one entry per
// USN, plus a retry schedule: a failed event is parked with a deadline
// computed by an exponential backoff and only becomes poppable again once
// that deadline has passed. A Worker drains the queue one event at a time,
// so at most one device is being fetched or subscribed at any moment.
package queue
