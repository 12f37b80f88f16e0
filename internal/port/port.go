// Package port defines the message channel between the worker and one tab.
package port

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrClosed is returned when sending to a closed port.
var ErrClosed = errors.New("port closed")

// Outbound actions.
const (
	ActionReceiveData  = "receive-data"
	ActionReceiveError = "receive-error"
	ActionSetStreamID  = "set-streamid"
	ActionStatus       = "status"
	ActionNewUser      = "new-user"
	ActionTerminating  = "terminating"
	ActionAck          = "ack"
	ActionPong         = "pong"
	ActionError        = "error"
)

// Message is one worker → tab message.
type Message struct {
	Sender  string `json:"sender"`
	Action  string `json:"action"`
	Content any    `json:"content,omitempty"`
}

// Inbound is one tab → worker envelope.
type Inbound struct {
	Receiver string     `json:"receiver"`
	Msg      InboundMsg `json:"msg"`
}

// InboundMsg is the payload of an Inbound envelope.
type InboundMsg struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Channel is the capability to talk to one tab.
type Channel interface {
	ID() string
	// Send must not block on a slow tab.
	Send(Message) error
	// Done is closed once the tab is gone.
	Done() <-chan struct{}
}

// Broadcaster sends a message to every connected tab.
type Broadcaster interface {
	Broadcast(Message)
}

// Registry tracks connected ports and broadcasts to them.
type Registry struct {
	mu    sync.RWMutex
	ports map[string]Channel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ports: make(map[string]Channel)}
}

// Add registers a port.
func (r *Registry) Add(ch Channel) {
	r.mu.Lock()
	r.ports[ch.ID()] = ch
	r.mu.Unlock()
}

// Remove unregisters a port and reports whether it was registered.
func (r *Registry) Remove(ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ports[ch.ID()]; !ok {
		return false
	}
	delete(r.ports, ch.ID())
	return true
}

// Count returns the number of registered ports.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ports)
}

// Broadcast sends msg to every registered port. Send errors are ignored:
// a vanished tab is cleaned up by its own close notification.
func (r *Registry) Broadcast(msg Message) {
	r.mu.RLock()
	ports := make([]Channel, 0, len(r.ports))
	for _, ch := range r.ports {
		ports = append(ports, ch)
	}
	r.mu.RUnlock()

	for _, ch := range ports {
		ch.Send(msg)
	}
}
