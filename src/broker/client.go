package broker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orchestra-mcp/realtime/src/stomp"
	"github.com/orchestra-mcp/realtime/src/types"
)

// Client wraps one broker connection and manages its frame flow.
type Client struct {
	ID          string
	conn        types.Conn
	hub         *Hub
	Send        chan []byte
	transport   string
	connectedAt time.Time

	mu        sync.RWMutex
	subs      map[string]string // subscription id -> destination
	version   string
	stomped   bool
	heartbeat atomic.Int64 // negotiated outgoing interval, ns
	done      chan struct{}
	closed    bool
}

// NewClient creates a client for conn. transport names the wire it came
// in on and is reported by Info.
func NewClient(id string, conn types.Conn, h *Hub, transport string) *Client {
	return &Client{
		ID:          id,
		conn:        conn,
		hub:         h,
		Send:        make(chan []byte, 256),
		transport:   transport,
		connectedAt: time.Now(),
		subs:        make(map[string]string),
		done:        make(chan struct{}),
	}
}

// Info returns metadata about this client.
func (c *Client) Info() types.ClientInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dests := make([]string, 0, len(c.subs))
	for _, d := range c.subs {
		dests = append(dests, d)
	}
	return types.ClientInfo{
		ID:            c.ID,
		Transport:     c.transport,
		Version:       c.version,
		ConnectedAt:   c.connectedAt,
		Subscriptions: dests,
	}
}

func (c *Client) addSub(id, destination string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[id] = destination
}

func (c *Client) removeSub(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.subs[id]
	delete(c.subs, id)
	return d, ok
}

func (c *Client) markConnected(version string, heartbeat time.Duration) {
	c.mu.Lock()
	c.stomped = true
	c.version = version
	c.mu.Unlock()
	c.heartbeat.Store(int64(heartbeat))
}

func (c *Client) isConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stomped
}

// enqueue hands data to the write pump without blocking the hub.
func (c *Client) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// ReadPump decodes frames from the connection and routes them to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frames, err := stomp.Decode(data)
		for _, f := range frames {
			select {
			case c.hub.incoming <- inbound{client: c, frame: f}:
			case <-c.done:
				return
			}
		}
		if err != nil {
			c.hub.logger.Debug().Err(err).Str("client_id", c.ID).Msg("malformed frame")
			c.hub.rejectMalformed(c, err)
			return
		}
	}
}

// WritePump writes queued frames and heart-beats to the connection.
func (c *Client) WritePump() {
	tick := c.hub.cfg.HeartbeatSend
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	last := time.Now()
	for {
		select {
		case data, ok := <-c.Send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(data); err != nil {
				return
			}
			last = time.Now()
		case <-ticker.C:
			hb := time.Duration(c.heartbeat.Load())
			if hb <= 0 || time.Since(last) < hb/2 {
				continue
			}
			if err := c.conn.WriteMessage(stomp.EOL); err != nil {
				return
			}
			last = time.Now()
		case <-c.done:
			return
		}
	}
}

// Close signals the client to stop its pumps.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
		close(c.Send)
	}
}

// writeDirect bypasses the send queue. Used for the last frame before
// closing, which must not race with Close draining the queue.
func (c *Client) writeDirect(data []byte) error {
	if c.isClosed() {
		return errClientClosed
	}
	return c.conn.WriteMessage(data)
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

var errClientClosed = errors.New("client closed")
