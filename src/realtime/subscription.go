package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/realtime/src/stomp"
	"github.com/orchestra-mcp/realtime/src/types"
)

// Subscription is the disposal handle returned by Client.Subscribe.
type Subscription struct {
	id      string
	topic   string
	handler types.Handler
	client  *Client

	mu       sync.Mutex
	token    stomp.Token
	disposed atomic.Bool
}

func newSubscription(c *Client, topic string, handler types.Handler) *Subscription {
	return &Subscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		client:  c,
	}
}

// ID returns the client-side identifier of this subscription.
func (s *Subscription) ID() string { return s.id }

// Topic returns the subscribed destination.
func (s *Subscription) Topic() string { return s.topic }

// Active reports whether the subscription is bound to the transport.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != nil && !s.disposed.Load()
}

// Disposed reports whether Unsubscribe has been called.
func (s *Subscription) Disposed() bool {
	return s.disposed.Load()
}

// Unsubscribe stops delivery. A pending intent is cancelled before it is
// ever bound; an active one releases its transport token. Safe to call
// more than once, including from the subscription's own handler.
//
// Unsubscribe does not wait for a handler call already in progress. The
// transport delivers serially, so a message that passed the disposed
// check before Unsubscribe ran may still reach the handler once, possibly
// after Unsubscribe returns. Nothing is delivered after that call.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.disposed.Load() {
		s.mu.Unlock()
		return
	}
	s.disposed.Store(true)
	tok := s.token
	s.token = nil
	s.mu.Unlock()

	s.client.forget(s)
	if tok == nil {
		return
	}
	if err := tok.Unsubscribe(); err != nil {
		s.client.logger.Debug().Err(err).Str("topic", s.topic).Msg("transport unsubscribe failed")
	}
}
