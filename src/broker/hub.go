// Package broker is a small in-process STOMP broker. It backs the
// integration tests and the local development server; destinations are
// plain strings and every SEND is fanned out to the subscriptions on the
// same destination.
package broker

import (
	"sync"
	"sync/atomic"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// MessageBridge publishes messages to other broker instances.
// Defined here to avoid circular imports with the bridge package.
type MessageBridge interface {
	Publish(pub types.Publication) error
	Available() bool
}

// subKey identifies one SUBSCRIBE of one client.
type subKey struct {
	clientID string
	subID    string
}

// inbound is a decoded frame tagged with the client that sent it.
type inbound struct {
	client *Client
	frame  *frame.Frame
}

// Hub owns client connections and destination subscriptions.
type Hub struct {
	cfg *config.BrokerConfig

	clients      map[string]*Client
	destinations map[string]map[subKey]struct{}

	register   chan *Client
	unregister chan *Client
	incoming   chan inbound
	broadcast  chan types.Publication
	localCast  chan types.Publication // from the bridge, never re-published

	onConnect []func(string)
	onDisconn []func(string)

	bridge  MessageBridge
	mu      sync.RWMutex
	logger  zerolog.Logger
	done    chan struct{}
	stopped sync.Once
	seq     atomic.Uint64
}

// New creates a hub. A nil cfg uses config.DefaultBrokerConfig.
func New(cfg *config.BrokerConfig, logger zerolog.Logger) *Hub {
	if cfg == nil {
		cfg = config.DefaultBrokerConfig()
	}
	return &Hub{
		cfg:          cfg,
		clients:      make(map[string]*Client),
		destinations: make(map[string]map[subKey]struct{}),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		incoming:     make(chan inbound, 256),
		broadcast:    make(chan types.Publication, 256),
		localCast:    make(chan types.Publication, 256),
		logger:       logger.With().Str("component", "broker").Logger(),
		done:         make(chan struct{}),
	}
}

// SetBridge attaches a cross-instance bridge. Published messages are
// forwarded to it in addition to local delivery.
func (h *Hub) SetBridge(b MessageBridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridge = b
}

// BroadcastToLocal delivers a bridged message to local subscribers only.
func (h *Hub) BroadcastToLocal(pub types.Publication) {
	select {
	case h.localCast <- pub:
	case <-h.done:
	}
}

// Run starts the hub event loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case in := <-h.incoming:
			h.handleFrame(in.client, in.frame)
		case pub := <-h.broadcast:
			h.publishToBridge(pub)
			h.deliver(pub)
		case pub := <-h.localCast:
			h.deliver(pub)
		case <-h.done:
			h.closeAll()
			return
		}
	}
}

// Stop halts the event loop and closes every client.
func (h *Hub) Stop() {
	h.stopped.Do(func() { close(h.done) })
}

// Register queues a client for registration.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

// Unregister queues a client for removal.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	cbs := append([]func(string){}, h.onConnect...)
	h.mu.Unlock()

	h.logger.Info().Str("client_id", c.ID).Str("transport", c.transport).Msg("client registered")

	for _, cb := range cbs {
		cb(c.ID)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)

	for dest, subs := range h.destinations {
		for k := range subs {
			if k.clientID == c.ID {
				delete(subs, k)
			}
		}
		if len(subs) == 0 {
			delete(h.destinations, dest)
		}
	}
	cbs := append([]func(string){}, h.onDisconn...)
	h.mu.Unlock()

	c.Close()
	h.logger.Info().Str("client_id", c.ID).Msg("client unregistered")

	for _, cb := range cbs {
		cb(c.ID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.destinations = make(map[string]map[subKey]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
