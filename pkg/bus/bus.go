package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("publisher closed")

// ErrNotConnected is returned when the broker connection is down.
var ErrNotConnected = errors.New("broker not connected")

// Message is one bus publish.
type Message struct {
	Topic   string
	Payload []byte

	// Retain asks the broker to keep the last message for new subscribers.
	// Transports without retention ignore it.
	Retain bool
}

// Publisher sends messages to the bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}
