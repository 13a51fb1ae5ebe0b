package broker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

var errSessionBacklog = errors.New("xhr session backlog full")

// xhrSession is a SockJS polling session. It satisfies types.Conn for
// the hub client while HTTP handlers move data in and out of it.
type xhrSession struct {
	id       string
	in       chan []byte
	out      chan []byte
	done     chan struct{}
	once     sync.Once
	polling  atomic.Bool
	lastSeen atomic.Int64
}

func newXHRSession(id string) *xhrSession {
	s := &xhrSession{
		id:   id,
		in:   make(chan []byte, 256),
		out:  make(chan []byte, 256),
		done: make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *xhrSession) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *xhrSession) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastSeen.Load()))
}

func (s *xhrSession) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.done:
		return nil, errSessionClosed
	}
}

func (s *xhrSession) WriteMessage(data []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.out <- data:
		return nil
	default:
		return errSessionBacklog
	}
}

func (s *xhrSession) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *xhrSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// xhrSessions tracks polling sessions by their SockJS session key.
type xhrSessions struct {
	hub      *Hub
	pollWait time.Duration
	idle     time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*xhrSession
}

func newXHRSessions(h *Hub, pollWait time.Duration, logger zerolog.Logger) *xhrSessions {
	return &xhrSessions{
		hub:      h,
		pollWait: pollWait,
		idle:     2*pollWait + 5*time.Second,
		logger:   logger,
		sessions: make(map[string]*xhrSession),
	}
}

func (m *xhrSessions) get(key string) (*xhrSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

func (m *xhrSessions) drop(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
}

// handlePoll opens a session on first contact, then long-polls for
// outbound messages.
func (m *xhrSessions) handlePoll(ctx *fasthttp.RequestCtx, key string) {
	ctx.SetContentType("application/javascript; charset=UTF-8")
	noCache(ctx)

	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		s = newXHRSession(key)
		m.sessions[key] = s
	}
	m.mu.Unlock()

	if !ok {
		client := NewClient(uuid.NewString(), s, m.hub, "xhr")
		m.hub.Register(client)
		go client.WritePump()
		go client.ReadPump()
		m.logger.Debug().Str("session", key).Str("client_id", client.ID).Msg("xhr session opened")
		ctx.SetBodyString("o\n")
		return
	}

	s.touch()
	if !s.polling.CompareAndSwap(false, true) {
		ctx.SetBodyString(`c[2010,"Another connection still open"]` + "\n")
		return
	}
	defer s.polling.Store(false)
	defer s.touch()

	timer := time.NewTimer(m.pollWait)
	defer timer.Stop()

	select {
	case data := <-s.out:
		msgs := []string{string(data)}
	drain:
		for {
			select {
			case more := <-s.out:
				msgs = append(msgs, string(more))
			default:
				break drain
			}
		}
		ctx.SetBody(append(arrayFrame(msgs...), '\n'))
	case <-s.done:
		m.drop(key)
		ctx.SetBody(append(append([]byte(nil), closeFrame...), '\n'))
	case <-timer.C:
		ctx.SetBodyString("h\n")
	}
}

// handleSend feeds a JSON string array into the session's inbound queue.
func (m *xhrSessions) handleSend(ctx *fasthttp.RequestCtx, key string) {
	s, ok := m.get(key)
	if !ok || s.closed() {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	s.touch()
	body := ctx.PostBody()
	if len(body) == 0 {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString("Payload expected.")
		return
	}
	msgs, err := decodeClientMessages(body)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString("Broken JSON encoding.")
		return
	}
	for _, msg := range msgs {
		select {
		case s.in <- []byte(msg):
		case <-s.done:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
	}
	noCache(ctx)
	ctx.SetContentType("text/plain; charset=UTF-8")
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// reap closes sessions that stopped polling.
func (m *xhrSessions) reap() {
	m.mu.Lock()
	var stale []*xhrSession
	for key, s := range m.sessions {
		if s.closed() || (!s.polling.Load() && s.idleFor() > m.idle) {
			stale = append(stale, s)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.logger.Debug().Str("session", s.id).Msg("reaping xhr session")
		_ = s.Close()
	}
}

func (m *xhrSessions) closeAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*xhrSession)
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}

func noCache(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Cache-Control", "no-store, no-cache, no-transform, must-revalidate, max-age=0")
}
