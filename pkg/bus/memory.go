package bus

import (
	"context"
	"sync"
)

// Memory records messages in memory. It backs tests and dry runs.
type Memory struct {
	mu       sync.Mutex
	messages []Message
	err      error
	closed   bool
}

// NewMemory returns an empty Memory publisher.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish records msg, or returns the error set by FailWith.
func (m *Memory) Publish(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.err != nil {
		return m.err
	}
	payload := append([]byte(nil), msg.Payload...)
	m.messages = append(m.messages, Message{Topic: msg.Topic, Payload: payload, Retain: msg.Retain})
	return nil
}

// FailWith makes later publishes return err. Nil clears it.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Messages returns a copy of the recorded messages.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// Topic returns the recorded messages published to topic.
func (m *Memory) Topic(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// Close marks the publisher closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Publisher = (*Memory)(nil)
