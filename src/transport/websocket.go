package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/realtime/src/types"
)

// WebSocketDialer connects with raw STOMP over a native websocket.
type WebSocketDialer struct {
	URL          string
	WriteTimeout time.Duration
	dialer       *websocket.Dialer
}

// NewWebSocketDialer creates a dialer for a ws:// or wss:// endpoint.
func NewWebSocketDialer(rawURL string, writeTimeout time.Duration) *WebSocketDialer {
	return &WebSocketDialer{
		URL:          rawURL,
		WriteTimeout: writeTimeout,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			Subprotocols:     []string{"v12.stomp", "v11.stomp", "v10.stomp"},
		},
	}
}

func (d *WebSocketDialer) Name() string { return "websocket" }

// Dial opens the websocket.
func (d *WebSocketDialer) Dial(ctx context.Context) (types.Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return newWSConn(conn, d.WriteTimeout), nil
}

// wsConn wraps a websocket.Conn to satisfy types.Conn. Writes are
// serialized since the underlying conn supports one concurrent writer.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
