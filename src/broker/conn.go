package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/realtime/src/transport"
)

var errSessionClosed = errors.New("session closed")

// closeFrame ends a SockJS session.
var closeFrame = []byte(`c[3000,"Go away!"]`)

// wsConn wraps a server-side websocket to satisfy types.Conn.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
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
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// sockJSConn speaks the server side of SockJS framing over a websocket:
// outbound messages go out as `a[...]` frames, inbound websocket messages
// carry a JSON string array.
type sockJSConn struct {
	ws        *wsConn
	pending   []string
	closeOnce sync.Once
}

func newSockJSConn(ws *wsConn) *sockJSConn {
	return &sockJSConn{ws: ws}
}

func (c *sockJSConn) open() error {
	return c.ws.WriteMessage([]byte{transport.FrameOpen})
}

func (c *sockJSConn) heartbeat() error {
	return c.ws.WriteMessage([]byte{transport.FrameHeartbeat})
}

func (c *sockJSConn) ReadMessage() ([]byte, error) {
	for len(c.pending) == 0 {
		data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		msgs, err := decodeClientMessages(data)
		if err != nil {
			return nil, err
		}
		c.pending = append(c.pending, msgs...)
	}
	msg := c.pending[0]
	c.pending = c.pending[1:]
	return []byte(msg), nil
}

func (c *sockJSConn) WriteMessage(data []byte) error {
	return c.ws.WriteMessage(arrayFrame(string(data)))
}

func (c *sockJSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.ws.WriteMessage(closeFrame)
		err = c.ws.Close()
	})
	return err
}

// decodeClientMessages accepts a JSON string array or a single JSON string.
func decodeClientMessages(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var msgs []string
	if err := json.Unmarshal(data, &msgs); err == nil {
		return msgs, nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrBadFrame, err)
	}
	return []string{one}, nil
}

func arrayFrame(msgs ...string) []byte {
	return append([]byte{transport.FrameArray}, transport.EncodeSockJSMessages(msgs...)...)
}
