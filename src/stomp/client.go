package stomp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/transport"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// Session errors.
var (
	ErrNotConnected     = errors.New("stomp: not connected")
	ErrBroker           = errors.New("stomp: broker error")
	ErrUnexpectedFrame  = errors.New("stomp: unexpected frame")
	ErrHeartbeatTimeout = errors.New("stomp: heart-beat timeout")
)

// AcceptVersion is offered in every CONNECT frame.
const AcceptVersion = "1.2,1.1,1.0"

// disconnectGrace bounds the DISCONNECT write during Deactivate.
const disconnectGrace = time.Second

// MessageFunc receives MESSAGE frames for one subscription.
type MessageFunc func(f *frame.Frame)

// Client is a STOMP session over a transport.Dialer that reconnects on a
// fixed delay until deactivated.
type Client struct {
	dialer transport.Dialer
	cfg    *config.ClientConfig
	host   string
	logger zerolog.Logger

	mu         sync.RWMutex
	state      types.State
	conn       types.Conn
	generation uint64
	subs       map[string]MessageFunc

	onConnect    []func()
	onDisconnect []func()
	onError      []func(*frame.Frame)

	writeMu  sync.Mutex
	nextID   atomic.Uint64
	lastRead atomic.Int64

	activate sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewClient creates an inactive session. Call Activate to start connecting.
func NewClient(dialer transport.Dialer, cfg *config.ClientConfig, logger zerolog.Logger) *Client {
	if cfg == nil {
		cfg = config.DefaultClientConfig()
	}
	host := cfg.Host
	if host == "" {
		if u, err := url.Parse(cfg.URL); err == nil {
			host = u.Hostname()
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		dialer: dialer,
		cfg:    cfg,
		host:   host,
		logger: logger.With().Str("component", "stomp").Str("transport", dialer.Name()).Logger(),
		subs:   make(map[string]MessageFunc),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnConnect registers a callback fired after every successful handshake.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// OnDisconnect registers a callback fired whenever an established session ends.
func (c *Client) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// OnError registers a callback for ERROR frames sent by the broker.
func (c *Client) OnError(fn func(*frame.Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

// Activate starts the connect loop. Later calls are no-ops.
func (c *Client) Activate() {
	c.activate.Do(func() {
		c.wg.Add(1)
		go c.run()
	})
}

// Deactivate stops reconnecting, sends DISCONNECT if a session is open
// and closes the connection.
func (c *Client) Deactivate() error {
	c.cancel()

	c.mu.RLock()
	conn := c.conn
	connected := c.state == types.Connected
	c.mu.RUnlock()

	if conn != nil {
		if connected {
			// A hung peer must not hold Deactivate past the grace period.
			stop := time.AfterFunc(disconnectGrace, func() { _ = conn.Close() })
			if err := c.write(conn, frame.New(frame.DISCONNECT)); err != nil {
				c.logger.Debug().Err(err).Msg("disconnect frame not sent")
			}
			stop.Stop()
		}
		_ = conn.Close()
	}
	c.wg.Wait()
	return nil
}

// State returns the current connection state.
func (c *Client) State() types.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether a session is established.
func (c *Client) Connected() bool {
	return c.State() == types.Connected
}

// Subscribe sends SUBSCRIBE for destination on the current session.
// The returned token is bound to that session only.
func (c *Client) Subscribe(destination string, fn MessageFunc) (Token, error) {
	c.mu.Lock()
	if c.state != types.Connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := "sub-" + strconv.FormatUint(c.nextID.Add(1)-1, 10)
	c.subs[id] = fn
	conn, gen := c.conn, c.generation
	c.mu.Unlock()

	f := frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto")
	if err := c.write(conn, f); err != nil {
		c.removeSub(id, gen)
		return nil, fmt.Errorf("subscribe %s: %w", destination, err)
	}
	c.logger.Debug().Str("destination", destination).Str("id", id).Msg("subscribed")
	return &token{client: c, id: id, destination: destination, generation: gen}, nil
}

// Publish sends a SEND frame. Extra headers are key/value pairs.
func (c *Client) Publish(destination string, body []byte, headers ...string) error {
	c.mu.RLock()
	conn, connected := c.conn, c.state == types.Connected
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	hdrs := append([]string{
		frame.Destination, destination,
		frame.ContentLength, strconv.Itoa(len(body)),
	}, headers...)
	f := frame.New(frame.SEND, hdrs...)
	f.Body = body
	if err := c.write(conn, f); err != nil {
		return fmt.Errorf("publish %s: %w", destination, err)
	}
	return nil
}

func (c *Client) unsubscribe(t *token) error {
	c.mu.Lock()
	if c.generation != t.generation || c.state != types.Connected {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, t.id)
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, frame.New(frame.UNSUBSCRIBE, frame.Id, t.id)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", t.destination, err)
	}
	c.logger.Debug().Str("destination", t.destination).Str("id", t.id).Msg("unsubscribed")
	return nil
}

func (c *Client) removeSub(id string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation == gen {
		delete(c.subs, id)
	}
}

func (c *Client) write(conn types.Conn, f *frame.Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	return c.writeRaw(conn, data)
}

func (c *Client) writeRaw(conn types.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(data)
}

func (c *Client) setState(s types.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// run is the connect loop: one session at a time, then a fixed delay.
func (c *Client) run() {
	defer c.wg.Done()
	for {
		err := c.session()
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn().Err(err).Dur("retry_in", c.cfg.ReconnectDelay).Msg("connection lost")
		}
		if c.cfg.ReconnectDelay <= 0 {
			c.logger.Info().Msg("reconnect disabled, giving up")
			return
		}
		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (c *Client) session() error {
	c.setState(types.Connecting)

	conn, connected, err := c.connect()
	if err != nil {
		c.setState(types.Disconnected)
		return err
	}

	peerSend, peerRecv, err := ParseHeartBeat(connected.Header.Get(frame.HeartBeat))
	if err != nil {
		c.logger.Warn().Err(err).Msg("ignoring broker heart-beat")
	}
	out, in := NegotiateHeartBeat(c.cfg.HeartbeatOutgoing, c.cfg.HeartbeatIncoming, peerSend, peerRecv)

	c.lastRead.Store(time.Now().UnixNano())
	c.mu.Lock()
	c.conn = conn
	c.generation++
	c.subs = make(map[string]MessageFunc)
	c.state = types.Connected
	callbacks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	// Deactivate may have run between the handshake and publishing conn.
	if c.ctx.Err() != nil {
		_ = conn.Close()
	}

	c.logger.Info().
		Str("version", connected.Header.Get(frame.Version)).
		Dur("heartbeat_out", out).
		Dur("heartbeat_in", in).
		Msg("connected")

	hbCtx, stopHeartbeat := context.WithCancel(c.ctx)
	c.wg.Add(1)
	go c.heartbeat(hbCtx, conn, out, in)

	for _, cb := range callbacks {
		cb()
	}

	err = c.readLoop(conn)

	stopHeartbeat()
	_ = conn.Close()

	c.mu.Lock()
	c.conn = nil
	c.subs = make(map[string]MessageFunc)
	c.state = types.Disconnected
	callbacks = append([]func(){}, c.onDisconnect...)
	c.mu.Unlock()

	c.logger.Info().Msg("disconnected")
	for _, cb := range callbacks {
		cb()
	}
	return err
}

// connect dials and performs the CONNECT/CONNECTED exchange within
// ConnectTimeout.
func (c *Client) connect() (types.Conn, *frame.Frame, error) {
	ctx := c.ctx
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	connectFrame := frame.New(frame.CONNECT,
		frame.AcceptVersion, AcceptVersion,
		frame.Host, c.host,
		frame.HeartBeat, FormatHeartBeat(c.cfg.HeartbeatOutgoing, c.cfg.HeartbeatIncoming))
	if err := c.write(conn, connectFrame); err != nil {
		stop()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("send CONNECT: %w", err)
	}

	connected, err := c.awaitConnected(conn)
	if !stop() || err != nil {
		_ = conn.Close()
		if err == nil {
			err = ctx.Err()
		}
		return nil, nil, err
	}
	return conn, connected, nil
}

func (c *Client) awaitConnected(conn types.Conn) (*frame.Frame, error) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("await CONNECTED: %w", err)
		}
		frames, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("await CONNECTED: %w", err)
		}
		if len(frames) == 0 {
			continue
		}
		f := frames[0]
		switch f.Command {
		case frame.CONNECTED:
			for _, extra := range frames[1:] {
				c.dispatch(extra)
			}
			return f, nil
		case frame.ERROR:
			c.reportError(f)
			return nil, fmt.Errorf("%w: %s", ErrBroker, f.Header.Get(frame.Message))
		default:
			return nil, fmt.Errorf("%w: %s during handshake", ErrUnexpectedFrame, f.Command)
		}
	}
}

func (c *Client) readLoop(conn types.Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.lastRead.Store(time.Now().UnixNano())

		frames, err := Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Int("size", len(data)).Msg("malformed frame")
		}
		for _, f := range frames {
			c.dispatch(f)
		}
	}
}

func (c *Client) dispatch(f *frame.Frame) {
	switch f.Command {
	case frame.MESSAGE:
		id := f.Header.Get(frame.Subscription)
		c.mu.RLock()
		fn := c.subs[id]
		c.mu.RUnlock()
		if fn == nil {
			c.logger.Debug().Str("subscription", id).Msg("message for unknown subscription")
			return
		}
		fn(f)
	case frame.ERROR:
		c.reportError(f)
	case frame.RECEIPT:
		c.logger.Debug().Str("receipt_id", f.Header.Get(frame.ReceiptId)).Msg("receipt")
	default:
		c.logger.Debug().Str("command", f.Command).Msg("unhandled frame")
	}
}

func (c *Client) reportError(f *frame.Frame) {
	c.logger.Debug().
		Str("message", f.Header.Get(frame.Message)).
		Str("body", string(f.Body)).
		Msg("broker reported error")

	c.mu.RLock()
	callbacks := append([]func(*frame.Frame){}, c.onError...)
	c.mu.RUnlock()
	for _, cb := range callbacks {
		cb(f)
	}
}

// heartbeat writes EOLs every out and closes conn when nothing has been
// read for twice in.
func (c *Client) heartbeat(ctx context.Context, conn types.Conn, out, in time.Duration) {
	defer c.wg.Done()
	var sendC, checkC <-chan time.Time
	if out > 0 {
		t := time.NewTicker(out)
		defer t.Stop()
		sendC = t.C
	}
	if in > 0 {
		t := time.NewTicker(in)
		defer t.Stop()
		checkC = t.C
	}
	if sendC == nil && checkC == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sendC:
			if err := c.writeRaw(conn, EOL); err != nil {
				c.logger.Debug().Err(err).Msg("heart-beat write failed")
			}
		case <-checkC:
			last := time.Unix(0, c.lastRead.Load())
			if time.Since(last) > 2*in {
				c.logger.Warn().Err(ErrHeartbeatTimeout).Dur("silence", time.Since(last)).Msg("closing stale connection")
				_ = conn.Close()
				return
			}
		}
	}
}
