package stomp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("connection closed")

// pipeConn is one end of a scripted connection; the test plays the broker.
type pipeConn struct {
	toClient   chan []byte
	fromClient chan []byte
	closed     chan struct{}
	closeOnce  sync.Once

	writes atomic.Int32
	// stallWrites makes writes block until Close, like a peer that stopped reading.
	stallWrites atomic.Bool
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		toClient:   make(chan []byte, 64),
		fromClient: make(chan []byte, 64),
		closed:     make(chan struct{}),
	}
}

func (p *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-p.toClient:
		return data, nil
	case <-p.closed:
		return nil, errConnClosed
	}
}

func (p *pipeConn) WriteMessage(data []byte) error {
	p.writes.Add(1)
	if p.stallWrites.Load() {
		<-p.closed
		return errConnClosed
	}
	select {
	case <-p.closed:
		return errConnClosed
	default:
	}
	select {
	case p.fromClient <- append([]byte(nil), data...):
		return nil
	case <-p.closed:
		return errConnClosed
	}
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// pipeDialer hands out a fresh pipeConn per Dial.
type pipeDialer struct {
	conns chan *pipeConn
	fail  atomic.Int32
	dials atomic.Int32
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{conns: make(chan *pipeConn, 8)}
}

func (d *pipeDialer) Name() string { return "pipe" }

func (d *pipeDialer) Dial(ctx context.Context) (types.Conn, error) {
	d.dials.Add(1)
	if d.fail.Load() > 0 {
		d.fail.Add(-1)
		return nil, errors.New("dial refused")
	}
	c := newPipeConn()
	d.conns <- c
	return c, nil
}

func (d *pipeDialer) next(t *testing.T) *pipeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func testConfig() *config.ClientConfig {
	cfg := config.DefaultClientConfig()
	cfg.URL = "http://campus.test/ws"
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.HeartbeatIncoming = 0
	cfg.HeartbeatOutgoing = 0
	cfg.ConnectTimeout = time.Second
	return cfg
}

func readFrame(t *testing.T, p *pipeConn) *frame.Frame {
	t.Helper()
	for {
		select {
		case data := <-p.fromClient:
			frames, err := Decode(data)
			require.NoError(t, err)
			if len(frames) == 0 {
				continue
			}
			return frames[0]
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for client frame")
			return nil
		}
	}
}

func sendFrame(t *testing.T, p *pipeConn, f *frame.Frame) {
	t.Helper()
	data, err := Encode(f)
	require.NoError(t, err)
	p.toClient <- data
}

// handshake answers the client's CONNECT.
func handshake(t *testing.T, p *pipeConn, heartBeat string) *frame.Frame {
	t.Helper()
	connect := readFrame(t, p)
	require.Equal(t, frame.CONNECT, connect.Command)
	sendFrame(t, p, frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, heartBeat))
	return connect
}

func startClient(t *testing.T, cfg *config.ClientConfig) (*Client, *pipeDialer) {
	t.Helper()
	d := newPipeDialer()
	c := NewClient(d, cfg, zerolog.Nop())
	t.Cleanup(func() { _ = c.Deactivate() })
	return c, d
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestClientHandshake(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatIncoming = 4 * time.Second
	cfg.HeartbeatOutgoing = 3 * time.Second
	c, d := startClient(t, cfg)

	var connects atomic.Int32
	c.OnConnect(func() { connects.Add(1) })

	assert.Equal(t, types.Disconnected, c.State())
	c.Activate()
	c.Activate()

	p := d.next(t)
	connect := handshake(t, p, "0,0")
	assert.Equal(t, AcceptVersion, connect.Header.Get(frame.AcceptVersion))
	assert.Equal(t, "campus.test", connect.Header.Get(frame.Host))
	assert.Equal(t, "3000,4000", connect.Header.Get(frame.HeartBeat))

	waitFor(t, c.Connected, "client should connect")
	waitFor(t, func() bool { return connects.Load() == 1 }, "onConnect should fire once")
	assert.Equal(t, int32(1), d.dials.Load())
}

func TestSubscribeRoutesMessages(t *testing.T) {
	c, d := startClient(t, testConfig())
	c.Activate()
	p := d.next(t)
	handshake(t, p, "0,0")
	waitFor(t, c.Connected, "client should connect")

	got := make(chan *frame.Frame, 1)
	tok, err := c.Subscribe("/topic/feed", func(f *frame.Frame) { got <- f })
	require.NoError(t, err)
	assert.Equal(t, "/topic/feed", tok.Destination())

	sub := readFrame(t, p)
	assert.Equal(t, frame.SUBSCRIBE, sub.Command)
	assert.Equal(t, "/topic/feed", sub.Header.Get(frame.Destination))
	assert.Equal(t, tok.ID(), sub.Header.Get(frame.Id))
	assert.Equal(t, "auto", sub.Header.Get(frame.Ack))

	msg := frame.New(frame.MESSAGE,
		frame.Destination, "/topic/feed",
		frame.Subscription, tok.ID(),
		frame.MessageId, "m-1")
	msg.Body = []byte(`{"id":1}`)
	sendFrame(t, p, msg)

	select {
	case f := <-got:
		assert.Equal(t, `{"id":1}`, string(f.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("message not routed")
	}

	// Unknown subscription ids are ignored.
	stray := frame.New(frame.MESSAGE, frame.Subscription, "sub-999")
	sendFrame(t, p, stray)
}

func TestTokenUnsubscribeIdempotent(t *testing.T) {
	c, d := startClient(t, testConfig())
	c.Activate()
	p := d.next(t)
	handshake(t, p, "0,0")
	waitFor(t, c.Connected, "client should connect")

	tok, err := c.Subscribe("/topic/radio", func(*frame.Frame) {})
	require.NoError(t, err)
	readFrame(t, p)

	require.NoError(t, tok.Unsubscribe())
	require.NoError(t, tok.Unsubscribe())

	unsub := readFrame(t, p)
	assert.Equal(t, frame.UNSUBSCRIBE, unsub.Command)
	assert.Equal(t, tok.ID(), unsub.Header.Get(frame.Id))

	select {
	case data := <-p.fromClient:
		t.Fatalf("unexpected second frame %q", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStaleTokenAfterReconnect(t *testing.T) {
	c, d := startClient(t, testConfig())

	var disconnects atomic.Int32
	c.OnDisconnect(func() { disconnects.Add(1) })

	c.Activate()
	p1 := d.next(t)
	handshake(t, p1, "0,0")
	waitFor(t, c.Connected, "client should connect")

	tok, err := c.Subscribe("/topic/heatmap", func(*frame.Frame) {})
	require.NoError(t, err)
	readFrame(t, p1)

	// Broker drops the connection, client redials after the fixed delay.
	_ = p1.Close()
	waitFor(t, func() bool { return disconnects.Load() == 1 }, "onDisconnect should fire")

	p2 := d.next(t)
	handshake(t, p2, "0,0")
	waitFor(t, c.Connected, "client should reconnect")

	require.NoError(t, tok.Unsubscribe())
	select {
	case data := <-p2.fromClient:
		t.Fatalf("stale token must not write to the new session, got %q", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish(t *testing.T) {
	c, d := startClient(t, testConfig())
	assert.ErrorIs(t, c.Publish("/app/ping", []byte("{}")), ErrNotConnected)

	c.Activate()
	p := d.next(t)
	handshake(t, p, "0,0")
	waitFor(t, c.Connected, "client should connect")

	require.NoError(t, c.Publish("/app/vibe", []byte(`{"mood":"chill"}`), frame.ContentType, "application/json"))
	send := readFrame(t, p)
	assert.Equal(t, frame.SEND, send.Command)
	assert.Equal(t, "/app/vibe", send.Header.Get(frame.Destination))
	assert.Equal(t, "application/json", send.Header.Get(frame.ContentType))
	assert.Equal(t, "16", send.Header.Get(frame.ContentLength))
	assert.Equal(t, `{"mood":"chill"}`, string(send.Body))
}

func TestSubscribeNotConnected(t *testing.T) {
	c, _ := startClient(t, testConfig())
	_, err := c.Subscribe("/topic/feed", func(*frame.Frame) {})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestErrorFrameFiresOnError(t *testing.T) {
	c, d := startClient(t, testConfig())
	errs := make(chan *frame.Frame, 1)
	c.OnError(func(f *frame.Frame) { errs <- f })

	c.Activate()
	p := d.next(t)
	handshake(t, p, "0,0")
	waitFor(t, c.Connected, "client should connect")

	sendFrame(t, p, frame.New(frame.ERROR, frame.Message, "bad destination"))
	select {
	case f := <-errs:
		assert.Equal(t, "bad destination", f.Header.Get(frame.Message))
	case <-time.After(2 * time.Second):
		t.Fatal("onError not fired")
	}
	assert.True(t, c.Connected(), "an ERROR frame alone does not tear the session down")
}

func TestHandshakeErrorRetries(t *testing.T) {
	c, d := startClient(t, testConfig())
	c.Activate()

	p1 := d.next(t)
	readFrame(t, p1)
	sendFrame(t, p1, frame.New(frame.ERROR, frame.Message, "broker starting"))

	p2 := d.next(t)
	handshake(t, p2, "0,0")
	waitFor(t, c.Connected, "second attempt should connect")
	assert.True(t, p1.isClosed())
}

func TestReconnectAfterDialFailures(t *testing.T) {
	c, d := startClient(t, testConfig())
	d.fail.Store(3)
	c.Activate()

	p := d.next(t)
	handshake(t, p, "0,0")
	waitFor(t, c.Connected, "client should connect after failures")
	assert.Equal(t, int32(4), d.dials.Load())
}

func TestReconnectDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectDelay = 0
	c, d := startClient(t, cfg)
	d.fail.Store(1)
	c.Activate()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), d.dials.Load())
	assert.Equal(t, types.Disconnected, c.State())
}

func TestOutgoingHeartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatOutgoing = 20 * time.Millisecond
	c, d := startClient(t, cfg)
	c.Activate()
	p := d.next(t)
	handshake(t, p, "0,20")
	waitFor(t, c.Connected, "client should connect")

	select {
	case data := <-p.fromClient:
		assert.Equal(t, "\n", string(data))
	case <-time.After(time.Second):
		t.Fatal("no heart-beat sent")
	}
}

func TestIncomingHeartbeatTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatIncoming = 20 * time.Millisecond
	c, d := startClient(t, cfg)

	var disconnects atomic.Int32
	c.OnDisconnect(func() { disconnects.Add(1) })

	c.Activate()
	p := d.next(t)
	handshake(t, p, "20,0")
	waitFor(t, c.Connected, "client should connect")

	waitFor(t, p.isClosed, "silent connection should be closed")
	waitFor(t, func() bool { return disconnects.Load() == 1 }, "onDisconnect should fire")
}

func TestDeactivateSendsDisconnect(t *testing.T) {
	c, d := startClient(t, testConfig())
	c.Activate()
	p := d.next(t)
	handshake(t, p, "0,0")
	waitFor(t, c.Connected, "client should connect")

	require.NoError(t, c.Deactivate())
	f := readFrame(t, p)
	assert.Equal(t, frame.DISCONNECT, f.Command)
	assert.True(t, p.isClosed())
	assert.Equal(t, types.Disconnected, c.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), d.dials.Load(), "no reconnect after deactivate")
}

func TestDeactivateWithStalledPeer(t *testing.T) {
	c, d := startClient(t, testConfig())
	c.Activate()
	p := d.next(t)
	handshake(t, p, "0,0")
	waitFor(t, c.Connected, "client should connect")

	p.stallWrites.Store(true)
	done := make(chan struct{})
	go func() {
		_ = c.Deactivate()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(disconnectGrace + time.Second):
		t.Fatal("deactivate blocked on a stalled peer")
	}
	assert.True(t, p.isClosed())
	assert.Equal(t, types.Disconnected, c.State())
}

func TestDeactivateStopsHeartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatOutgoing = 5 * time.Millisecond
	c, d := startClient(t, cfg)
	c.Activate()
	p := d.next(t)
	handshake(t, p, "0,5")
	waitFor(t, c.Connected, "client should connect")
	waitFor(t, func() bool { return p.writes.Load() > 2 }, "heart-beats should be written")

	require.NoError(t, c.Deactivate())
	after := p.writes.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, p.writes.Load(), "no writes once deactivate returns")
}
