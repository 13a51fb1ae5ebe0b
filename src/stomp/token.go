package stomp

import "sync/atomic"

// Token is a transport-level subscription handle.
type Token interface {
	ID() string
	Destination() string
	// Unsubscribe releases the subscription. It is a no-op after the
	// first call and when the session that created it has ended.
	Unsubscribe() error
}

type token struct {
	client      *Client
	id          string
	destination string
	generation  uint64
	done        atomic.Bool
}

func (t *token) ID() string          { return t.id }
func (t *token) Destination() string { return t.destination }

func (t *token) Unsubscribe() error {
	if !t.done.CompareAndSwap(false, true) {
		return nil
	}
	return t.client.unsubscribe(t)
}
