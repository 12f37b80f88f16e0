package port

import (
	"sync"
)

// Memory is an in-process Channel that records every message. It stands in
// for a real tab in tests and embedded use.
type Memory struct {
	id string

	mu       sync.Mutex
	messages []Message
	closed   bool
	done     chan struct{}
	notify   chan struct{}
}

// NewMemory creates a recording port.
func NewMemory(id string) *Memory {
	return &Memory{
		id:     id,
		done:   make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

// ID implements Channel.
func (m *Memory) ID() string { return m.id }

// Done implements Channel.
func (m *Memory) Done() <-chan struct{} { return m.done }

// Send implements Channel.
func (m *Memory) Send(msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.messages = append(m.messages, msg)
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close marks the port as gone.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
}

// Messages returns a copy of everything sent so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// WithAction returns the recorded messages with the given action.
func (m *Memory) WithAction(action string) []Message {
	var out []Message
	for _, msg := range m.Messages() {
		if msg.Action == action {
			out = append(out, msg)
		}
	}
	return out
}

// Notify fires after a message was recorded. Bursts are coalesced.
func (m *Memory) Notify() <-chan struct{} { return m.notify }
