package broker

import (
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/realtime/config"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// SockJSHeartbeat is how often idle SockJS sessions get an `h` frame.
const SockJSHeartbeat = 25 * time.Second

// Server exposes a hub over HTTP. The endpoint accepts raw STOMP over
// websocket and the SockJS websocket and XHR transports; everything else
// is served by a fiber app.
type Server struct {
	hub      *Hub
	cfg      *config.BrokerConfig
	logger   zerolog.Logger
	app      *fiber.App
	upgrader websocket.FastHTTPUpgrader
	sessions *xhrSessions

	srv      *fasthttp.Server
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a server for h. A nil cfg uses the hub's config.
func NewServer(h *Hub, cfg *config.BrokerConfig, logger zerolog.Logger) *Server {
	if cfg == nil {
		cfg = h.cfg
	}
	logger = logger.With().Str("component", "broker-http").Logger()
	s := &Server{
		hub:    h,
		cfg:    cfg,
		logger: logger,
		app:    fiber.New(),
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			Subprotocols:    []string{"v12.stomp", "v11.stomp", "v10.stomp"},
			CheckOrigin:     func(*fasthttp.RequestCtx) bool { return true },
		},
		sessions: newXHRSessions(h, SockJSHeartbeat, logger),
		done:     make(chan struct{}),
	}
	s.RegisterRoutes(s.app)
	s.srv = &fasthttp.Server{Handler: s.Handler(), Name: ServerName}
	return s
}

// App returns the fiber app serving the non-websocket routes.
func (s *Server) App() *fiber.App { return s.app }

// RegisterRoutes registers the info and query routes.
func (s *Server) RegisterRoutes(group fiber.Router) {
	group.Get(s.cfg.Endpoint+"/info", s.handleInfo)
	group.Get("/health", s.handleHealth)
	group.Get("/channels", s.handleChannels)
	group.Get("/clients/:id", s.handleClient)
}

func (s *Server) handleInfo(c fiber.Ctx) error {
	c.Set("Cache-Control", "no-store, no-cache, no-transform, must-revalidate, max-age=0")
	return c.JSON(fiber.Map{
		"websocket":     true,
		"cookie_needed": false,
		"origins":       []string{"*:*"},
		"entropy":       rand.Uint32(),
	})
}

func (s *Server) handleHealth(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":       "ok",
		"clients":      s.hub.ClientCount(),
		"destinations": len(s.hub.Destinations()),
	})
}

func (s *Server) handleChannels(c fiber.Ctx) error {
	return c.JSON(s.hub.Destinations())
}

func (s *Server) handleClient(c fiber.Ctx) error {
	info := s.hub.ClientInfo(c.Params("id"))
	if info == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "client_not_found"})
	}
	return c.JSON(info)
}

// Handler returns the fasthttp handler for the whole server.
func (s *Server) Handler() fasthttp.RequestHandler {
	app := s.app.Handler()
	endpoint := strings.TrimRight(s.cfg.Endpoint, "/")
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		if path == endpoint {
			s.serveWebSocket(ctx, false)
			return
		}
		if rest, ok := strings.CutPrefix(path, endpoint+"/"); ok {
			if parts := strings.Split(rest, "/"); len(parts) == 3 && validSessionPart(parts[0]) && validSessionPart(parts[1]) {
				key := parts[0] + "/" + parts[1]
				switch parts[2] {
				case "websocket":
					s.serveWebSocket(ctx, true)
					return
				case "xhr":
					if !ctx.IsPost() {
						ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
						return
					}
					s.sessions.handlePoll(ctx, key)
					return
				case "xhr_send":
					if !ctx.IsPost() {
						ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
						return
					}
					s.sessions.handleSend(ctx, key)
					return
				}
			}
		}
		app(ctx)
	}
}

func validSessionPart(p string) bool {
	return p != "" && !strings.Contains(p, ".")
}

// serveWebSocket upgrades the request and runs a hub client on it until
// the connection ends.
func (s *Server) serveWebSocket(ctx *fasthttp.RequestCtx, sockjs bool) {
	if !websocket.FastHTTPIsWebSocketUpgrade(ctx) {
		ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
		return
	}
	if s.cfg.MaxConnections > 0 && s.hub.ClientCount() >= s.cfg.MaxConnections {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"error":"too_many_connections"}`)
		return
	}

	clientID := uuid.NewString()
	err := s.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		ws := newWSConn(conn, s.cfg.WriteTimeout)
		if !sockjs {
			s.runClient(NewClient(clientID, ws, s.hub, "websocket"))
			return
		}
		sc := newSockJSConn(ws)
		if err := sc.open(); err != nil {
			s.logger.Debug().Err(err).Msg("sockjs open failed")
			_ = ws.Close()
			return
		}
		stop := make(chan struct{})
		go s.sockJSHeartbeat(sc, stop)
		defer close(stop)
		s.runClient(NewClient(clientID, sc, s.hub, "sockjs"))
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
	}
}

func (s *Server) runClient(c *Client) {
	s.hub.Register(c)
	go c.WritePump()
	c.ReadPump()
}

func (s *Server) sockJSHeartbeat(sc *sockJSConn, stop <-chan struct{}) {
	ticker := time.NewTicker(SockJSHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sc.heartbeat(); err != nil {
				return
			}
		case <-stop:
			return
		case <-s.done:
			return
		}
	}
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	go s.reapSessions()
	s.logger.Info().Str("addr", ln.Addr().String()).Str("endpoint", s.cfg.Endpoint).Msg("broker listening")
	return s.srv.Serve(ln)
}

// ListenAndServe listens on cfg.Addr and serves.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown ends polling sessions and stops the HTTP server. The hub is
// left running; stop it separately.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.sessions.closeAll()
	return s.srv.Shutdown()
}

func (s *Server) reapSessions() {
	ticker := time.NewTicker(SockJSHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sessions.reap()
		case <-s.done:
			return
		}
	}
}
