package types

import "time"

// State is the lifecycle state of the shared broker connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Message is one inbound frame after body decoding.
type Message struct {
	Topic string `json:"topic"`

	// Data is the JSON-decoded body, or the raw body string when it
	// is not valid JSON.
	Data any `json:"data"`

	// Raw is the body exactly as received.
	Raw string `json:"raw"`

	// Decoded reports whether Data came from a successful JSON decode.
	Decoded bool `json:"decoded"`

	Headers map[string]string `json:"headers,omitempty"`
}

// Handler receives decoded messages for a subscription.
type Handler func(msg Message)

// Conn abstracts a message-oriented connection for testability.
// Each call carries one whole transport message.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Publication is one message published to a broker destination.
type Publication struct {
	Destination string    `json:"destination"`
	ContentType string    `json:"content_type,omitempty"`
	Body        string    `json:"body"`
	Origin      string    `json:"origin,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ClientInfo holds metadata about a client connected to the broker.
type ClientInfo struct {
	ID            string    `json:"id"`
	Transport     string    `json:"transport"`
	Version       string    `json:"version,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	Subscriptions []string  `json:"subscriptions"`
}
