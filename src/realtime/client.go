// Package realtime is the subscription client that bridges consumers to
// the broker's push stream.
//
// A Client shares one broker connection between any number of
// subscriptions. Subscribe never blocks on the network state: while the
// connection is down, subscriptions are queued as intents and promoted in
// registration order on the next successful connect. Disposing a
// subscription at any point, including before promotion, stops delivery
// to its handler.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/stomp"
	"github.com/orchestra-mcp/realtime/src/transport"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// Transport is the broker session the client drives. *stomp.Client
// satisfies it.
type Transport interface {
	Activate()
	Deactivate() error
	Connected() bool
	State() types.State
	OnConnect(fn func())
	OnDisconnect(fn func())
	OnError(fn func(*frame.Frame))
	Subscribe(destination string, fn stomp.MessageFunc) (stomp.Token, error)
	Publish(destination string, body []byte, headers ...string) error
}

// Client presents subscribe/send over a shared, self-reconnecting transport.
type Client struct {
	transport Transport
	logger    zerolog.Logger

	mu        sync.Mutex
	connected bool
	pending   []*Subscription
	active    map[*Subscription]struct{}
}

// New wires a client to t. Unless cfg.LazyConnect is set the transport is
// activated immediately.
func New(t Transport, cfg *config.ClientConfig, logger zerolog.Logger) *Client {
	if cfg == nil {
		cfg = config.DefaultClientConfig()
	}
	c := &Client{
		transport: t,
		logger:    logger.With().Str("component", "realtime").Logger(),
		active:    make(map[*Subscription]struct{}),
	}
	t.OnConnect(c.handleConnect)
	t.OnDisconnect(c.handleDisconnect)
	t.OnError(c.handleError)

	c.connected = t.Connected()
	if !cfg.LazyConnect {
		t.Activate()
	}
	return c
}

// Dial builds the full stack for cfg: dialer, STOMP session and client.
func Dial(cfg *config.ClientConfig, logger zerolog.Logger) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultClientConfig()
	}
	d, err := transport.NewDialer(cfg, logger)
	if err != nil {
		return nil, err
	}
	return New(stomp.NewClient(d, cfg, logger), cfg, logger), nil
}

// Subscribe binds handler to topic. It returns immediately whatever the
// connection state; the binding is deferred until the next connect when
// the transport is not connected. An empty topic or nil handler yields an
// already-disposed subscription.
func (c *Client) Subscribe(topic string, handler types.Handler) *Subscription {
	s := newSubscription(c, topic, handler)
	if topic == "" || handler == nil {
		c.logger.Warn().Str("topic", topic).Bool("handler", handler != nil).Msg("ignoring invalid subscription")
		s.disposed.Store(true)
		return s
	}

	c.mu.Lock()
	connected := c.connected
	if !connected {
		c.pending = append(c.pending, s)
	}
	c.mu.Unlock()

	if !connected {
		c.logger.Debug().Str("topic", topic).Str("id", s.id).Msg("queuing subscription")
		c.transport.Activate()
		return s
	}

	if err := c.bind(s); err != nil {
		c.logger.Warn().Err(err).Str("topic", topic).Msg("bind failed, deferring to next connect")
		c.requeue(s)
	}
	return s
}

// Send publishes payload as JSON to destination. While disconnected the
// message is dropped and nil is returned; outbound messages are never
// queued.
func (c *Client) Send(destination string, payload any) error {
	if !c.transport.Connected() {
		c.logger.Debug().Str("destination", destination).Msg("not connected, dropping message")
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", destination, err)
	}
	err = c.transport.Publish(destination, body, frame.ContentType, "application/json")
	if errors.Is(err, stomp.ErrNotConnected) {
		c.logger.Debug().Str("destination", destination).Msg("not connected, dropping message")
		return nil
	}
	return err
}

// State reports the shared connection state.
func (c *Client) State() types.State {
	return c.transport.State()
}

// Pending returns the number of queued intents.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ActiveCount returns the number of bound subscriptions.
func (c *Client) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Close deactivates the transport. Intended for process shutdown.
func (c *Client) Close() error {
	return c.transport.Deactivate()
}

// handleConnect promotes queued intents in registration order.
func (c *Client) handleConnect() {
	c.mu.Lock()
	c.connected = true
	queue := c.pending
	c.pending = nil
	c.mu.Unlock()

	promoted := 0
	for _, s := range queue {
		if s.disposed.Load() {
			continue
		}
		if err := c.bind(s); err != nil {
			c.logger.Warn().Err(err).Str("topic", s.topic).Msg("promotion failed, keeping intent")
			c.requeue(s)
			continue
		}
		promoted++
	}
	c.logger.Info().Int("promoted", promoted).Int("queued", len(queue)).Msg("connected")
}

func (c *Client) handleDisconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.logger.Info().Msg("disconnected, waiting for reconnect")
}

func (c *Client) handleError(f *frame.Frame) {
	c.logger.Error().
		Str("message", f.Header.Get(frame.Message)).
		Str("details", string(f.Body)).
		Msg("broker reported error")
}

// bind issues the transport subscribe for s unless it was disposed. The
// check and the subscribe happen under s.mu so a concurrent Unsubscribe
// either prevents the bind or sees the resulting token.
func (c *Client) bind(s *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed.Load() {
		return nil
	}
	tok, err := c.transport.Subscribe(s.topic, c.deliverTo(s))
	if err != nil {
		return err
	}
	s.token = tok

	c.mu.Lock()
	c.active[s] = struct{}{}
	c.mu.Unlock()
	return nil
}

// requeue puts s back in the queue. Unsubscribe marks s disposed before
// forget takes c.mu, so checking under c.mu never strands a disposed intent.
func (c *Client) requeue(s *Subscription) {
	c.mu.Lock()
	if s.disposed.Load() {
		c.mu.Unlock()
		return
	}
	connected := c.connected
	if !connected {
		c.pending = append(c.pending, s)
	}
	c.mu.Unlock()
	if connected {
		// Connected again before we got here; try once more.
		if err := c.bind(s); err != nil {
			c.logger.Warn().Err(err).Str("topic", s.topic).Msg("bind retry failed")
			c.enqueue(s)
		}
	}
}

func (c *Client) enqueue(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.disposed.Load() {
		return
	}
	c.pending = append(c.pending, s)
}

// forget drops s from the queue and the registry.
func (c *Client) forget(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, s)
	for i, p := range c.pending {
		if p == s {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
}

func (c *Client) deliverTo(s *Subscription) stomp.MessageFunc {
	return func(f *frame.Frame) {
		if s.disposed.Load() {
			return
		}
		s.handler(decodeMessage(s.topic, f))
	}
}
