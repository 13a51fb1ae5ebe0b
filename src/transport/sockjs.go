package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// SockJS frame types.
const (
	FrameOpen      byte = 'o'
	FrameHeartbeat byte = 'h'
	FrameArray     byte = 'a'
	FrameMessage   byte = 'm'
	FrameClose     byte = 'c'
)

// SockJSFrame is one decoded server frame.
type SockJSFrame struct {
	Type     byte
	Messages []string
	Code     int
	Reason   string
}

// DecodeSockJSFrame parses a server frame such as `a["x","y"]` or `c[3000,"Go away!"]`.
func DecodeSockJSFrame(data []byte) (SockJSFrame, error) {
	if len(data) == 0 {
		return SockJSFrame{}, ErrBadFrame
	}
	f := SockJSFrame{Type: data[0]}
	rest := data[1:]
	switch f.Type {
	case FrameOpen, FrameHeartbeat:
		return f, nil
	case FrameArray:
		if err := json.Unmarshal(rest, &f.Messages); err != nil {
			return SockJSFrame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
	case FrameMessage:
		var m string
		if err := json.Unmarshal(rest, &m); err != nil {
			return SockJSFrame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		f.Messages = []string{m}
	case FrameClose:
		var parts []any
		if err := json.Unmarshal(rest, &parts); err != nil || len(parts) != 2 {
			return SockJSFrame{}, fmt.Errorf("%w: close frame %q", ErrBadFrame, rest)
		}
		if code, ok := parts[0].(float64); ok {
			f.Code = int(code)
		}
		f.Reason, _ = parts[1].(string)
	default:
		return SockJSFrame{}, fmt.Errorf("%w: type %q", ErrBadFrame, f.Type)
	}
	return f, nil
}

// EncodeSockJSMessages encodes client messages as a JSON string array.
func EncodeSockJSMessages(msgs ...string) []byte {
	b, _ := json.Marshal(msgs)
	return b
}

// SockJSInfo is the subset of the /info response the client uses.
type SockJSInfo struct {
	WebSocket    bool  `json:"websocket"`
	CookieNeeded bool  `json:"cookie_needed"`
	Entropy      int64 `json:"entropy"`
}

// SockJSDialer connects through the SockJS protocol, trying the
// websocket transport first and falling back to XHR polling.
type SockJSDialer struct {
	BaseURL        string
	WriteTimeout   time.Duration
	PollTimeout    time.Duration
	AllowWebSocket bool
	AllowXHR       bool
	HTTP           *fasthttp.Client

	wsDialer *websocket.Dialer
	logger   zerolog.Logger
}

// NewSockJSDialer creates a dialer for an http(s) SockJS endpoint.
func NewSockJSDialer(baseURL string, writeTimeout time.Duration, logger zerolog.Logger) *SockJSDialer {
	return &SockJSDialer{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		WriteTimeout:   writeTimeout,
		PollTimeout:    35 * time.Second,
		AllowWebSocket: true,
		AllowXHR:       true,
		HTTP:           &fasthttp.Client{Name: "orchestra-realtime"},
		wsDialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		logger: logger.With().Str("component", "sockjs").Logger(),
	}
}

func (d *SockJSDialer) Name() string { return "sockjs" }

// Dial queries /info, then opens a session on the first transport that works.
func (d *SockJSDialer) Dial(ctx context.Context) (types.Conn, error) {
	info, err := d.Info(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error = ErrNoTransport
	if d.AllowWebSocket && info.WebSocket {
		conn, err := d.dialWebSocket(ctx, d.sessionURL())
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if d.AllowXHR {
			d.logger.Warn().Err(err).Msg("websocket transport failed, falling back to xhr polling")
		}
	}
	if d.AllowXHR {
		return d.dialXHR(ctx, d.sessionURL())
	}
	return nil, lastErr
}

// Info fetches the endpoint's /info document.
func (d *SockJSDialer) Info(ctx context.Context) (SockJSInfo, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/info?t=%d", d.BaseURL, time.Now().UnixMilli()))
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := d.HTTP.DoTimeout(req, resp, timeoutFrom(ctx, 10*time.Second)); err != nil {
		return SockJSInfo{}, fmt.Errorf("sockjs info: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return SockJSInfo{}, fmt.Errorf("sockjs info: unexpected status %d", resp.StatusCode())
	}
	var info SockJSInfo
	if err := json.Unmarshal(resp.Body(), &info); err != nil {
		return SockJSInfo{}, fmt.Errorf("sockjs info: %w", err)
	}
	return info, nil
}

// sessionURL returns <base>/<server>/<session> with fresh ids.
func (d *SockJSDialer) sessionURL() string {
	server := fmt.Sprintf("%03d", rand.IntN(1000))
	session := strings.ReplaceAll(uuid.NewString(), "-", "")
	return d.BaseURL + "/" + server + "/" + session
}

func (d *SockJSDialer) dialWebSocket(ctx context.Context, sessionURL string) (types.Conn, error) {
	u, err := url.Parse(sessionURL + "/websocket")
	if err != nil {
		return nil, err
	}
	if err := toWebSocketScheme(u); err != nil {
		return nil, err
	}
	ws, _, err := d.wsDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	conn := newSockJSWSConn(newWSConn(ws, d.WriteTimeout))
	if err := conn.awaitOpen(); err != nil {
		_ = ws.Close()
		return nil, err
	}
	d.logger.Debug().Str("url", u.String()).Msg("sockjs websocket session open")
	return conn, nil
}

func (d *SockJSDialer) dialXHR(ctx context.Context, sessionURL string) (types.Conn, error) {
	conn := newXHRConn(d.HTTP, sessionURL, d.PollTimeout, d.WriteTimeout)
	if err := conn.open(timeoutFrom(ctx, 10*time.Second)); err != nil {
		return nil, err
	}
	d.logger.Debug().Str("url", sessionURL).Msg("sockjs xhr session open")
	return conn, nil
}

func timeoutFrom(ctx context.Context, def time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return def
}

// frameQueue holds messages from an array frame until they are read.
type frameQueue struct {
	pending []string
}

// next returns the next message, reading frames with fetch as needed.
func (q *frameQueue) next(fetch func() ([]byte, error)) ([]byte, error) {
	for len(q.pending) == 0 {
		data, err := fetch()
		if err != nil {
			return nil, err
		}
		f, err := DecodeSockJSFrame(trimEOL(data))
		if err != nil {
			return nil, err
		}
		switch f.Type {
		case FrameOpen, FrameHeartbeat:
			continue
		case FrameClose:
			return nil, fmt.Errorf("%w: %d %s", ErrSessionClosed, f.Code, f.Reason)
		default:
			q.pending = append(q.pending, f.Messages...)
		}
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	return []byte(msg), nil
}

func trimEOL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// sockJSWSConn speaks SockJS framing over a websocket.
type sockJSWSConn struct {
	ws    *wsConn
	queue frameQueue
}

func newSockJSWSConn(ws *wsConn) *sockJSWSConn {
	return &sockJSWSConn{ws: ws}
}

func (c *sockJSWSConn) awaitOpen() error {
	data, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("sockjs open: %w", err)
	}
	f, err := DecodeSockJSFrame(trimEOL(data))
	if err != nil {
		return err
	}
	if f.Type != FrameOpen {
		return fmt.Errorf("%w: expected open frame, got %q", ErrBadFrame, f.Type)
	}
	return nil
}

func (c *sockJSWSConn) ReadMessage() ([]byte, error) {
	return c.queue.next(c.ws.ReadMessage)
}

func (c *sockJSWSConn) WriteMessage(data []byte) error {
	return c.ws.WriteMessage(EncodeSockJSMessages(string(data)))
}

func (c *sockJSWSConn) Close() error {
	return c.ws.Close()
}
