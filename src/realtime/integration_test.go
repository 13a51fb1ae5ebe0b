package realtime

import (
	"net"
	"testing"
	"time"

	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/broker"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T) (*broker.Hub, string) {
	t.Helper()
	cfg := config.DefaultBrokerConfig()
	cfg.HeartbeatSend = 0
	cfg.HeartbeatRecv = 0

	h := broker.New(cfg, zerolog.Nop())
	go h.Run()
	srv := broker.NewServer(h, cfg, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()

	t.Cleanup(func() {
		_ = srv.Shutdown()
		h.Stop()
	})
	return h, ln.Addr().String()
}

type transportCase struct {
	name      string
	transport string
	url       func(addr string) string
}

var transportCases = []transportCase{
	{"websocket", config.TransportWebSocket, func(addr string) string { return "ws://" + addr + "/ws" }},
	{"sockjs", config.TransportSockJS, func(addr string) string { return "http://" + addr + "/ws" }},
	{"xhr", config.TransportXHR, func(addr string) string { return "http://" + addr + "/ws" }},
}

func dialBroker(t *testing.T, url, transport string) *Client {
	t.Helper()
	cfg := config.DefaultClientConfig()
	cfg.URL = url
	cfg.Transport = transport
	cfg.ReconnectDelay = 50 * time.Millisecond
	cfg.HeartbeatIncoming = 0
	cfg.HeartbeatOutgoing = 0
	cfg.ConnectTimeout = 2 * time.Second

	c, err := Dial(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitForDestination(t *testing.T, h *broker.Hub, dest string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.Destinations()[dest] == n
	}, 5*time.Second, 10*time.Millisecond, "destination %s never reached %d subscriptions", dest, n)
}

func TestEndToEndPublishIsDelivered(t *testing.T) {
	for _, tc := range transportCases {
		t.Run(tc.name, func(t *testing.T) {
			h, addr := startBroker(t)
			c := dialBroker(t, tc.url(addr), tc.transport)

			got := make(chan types.Message, 1)
			c.Subscribe("/topic/feed", func(msg types.Message) { got <- msg })
			waitForDestination(t, h, "/topic/feed", 1)

			h.Publish("/topic/feed", []byte(`{"id":1,"msg":"hi"}`), "application/json")

			select {
			case msg := <-got:
				assert.Equal(t, "/topic/feed", msg.Topic)
				assert.True(t, msg.Decoded)
				assert.Equal(t, map[string]any{"id": float64(1), "msg": "hi"}, msg.Data)
			case <-time.After(5 * time.Second):
				t.Fatal("message not delivered")
			}
			assert.Equal(t, types.Connected, c.State())
		})
	}
}

func TestEndToEndSendRoundTrip(t *testing.T) {
	for _, tc := range transportCases {
		t.Run(tc.name, func(t *testing.T) {
			h, addr := startBroker(t)
			c := dialBroker(t, tc.url(addr), tc.transport)

			got := make(chan types.Message, 1)
			c.Subscribe("/topic/radio", func(msg types.Message) { got <- msg })
			waitForDestination(t, h, "/topic/radio", 1)

			require.NoError(t, c.Send("/topic/radio", map[string]string{"track": "intro"}))

			select {
			case msg := <-got:
				assert.Equal(t, map[string]any{"track": "intro"}, msg.Data)
				assert.Equal(t, "application/json", msg.Headers["content-type"])
			case <-time.After(5 * time.Second):
				t.Fatal("sent message not echoed to subscriber")
			}
		})
	}
}

func TestEndToEndRawBodyPassesThrough(t *testing.T) {
	h, addr := startBroker(t)
	c := dialBroker(t, "ws://"+addr+"/ws", config.TransportWebSocket)

	got := make(chan types.Message, 1)
	c.Subscribe("/topic/radio", func(msg types.Message) { got <- msg })
	waitForDestination(t, h, "/topic/radio", 1)

	h.Publish("/topic/radio", []byte("not json"), "text/plain")

	select {
	case msg := <-got:
		assert.False(t, msg.Decoded)
		assert.Equal(t, "not json", msg.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestEndToEndUnsubscribeReleasesBroker(t *testing.T) {
	h, addr := startBroker(t)
	c := dialBroker(t, "ws://"+addr+"/ws", config.TransportWebSocket)

	delivered := make(chan struct{}, 4)
	sub := c.Subscribe("/topic/heatmap", func(types.Message) { delivered <- struct{}{} })
	waitForDestination(t, h, "/topic/heatmap", 1)

	sub.Unsubscribe()
	require.Eventually(t, func() bool {
		_, ok := h.Destinations()["/topic/heatmap"]
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	h.Publish("/topic/heatmap", []byte("{}"), "application/json")
	select {
	case <-delivered:
		t.Fatal("handler called after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEndToEndDisposedIntentNeverReachesBroker(t *testing.T) {
	h, addr := startBroker(t)

	cfg := config.DefaultClientConfig()
	cfg.URL = "ws://" + addr + "/ws"
	cfg.Transport = config.TransportWebSocket
	cfg.HeartbeatIncoming, cfg.HeartbeatOutgoing = 0, 0
	cfg.LazyConnect = true
	c, err := Dial(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	dropped := c.Subscribe("/topic/feed", func(types.Message) { t.Error("disposed handler called") })
	dropped.Unsubscribe()

	got := make(chan types.Message, 1)
	c.Subscribe("/topic/radio", func(msg types.Message) { got <- msg })
	waitForDestination(t, h, "/topic/radio", 1)

	_, fed := h.Destinations()["/topic/feed"]
	assert.False(t, fed)

	h.Publish("/topic/feed", []byte("{}"), "application/json")
	h.Publish("/topic/radio", []byte(`"on air"`), "application/json")
	select {
	case msg := <-got:
		assert.Equal(t, "on air", msg.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestEndToEndReconnectsAfterBrokerDropsClient(t *testing.T) {
	h, addr := startBroker(t)
	c := dialBroker(t, "ws://"+addr+"/ws", config.TransportWebSocket)

	c.Subscribe("/topic/feed", func(types.Message) {})
	waitForDestination(t, h, "/topic/feed", 1)
	require.Len(t, h.ConnectedClients(), 1)
	first := h.ConnectedClients()[0]

	// Kick the client by closing its session through a protocol error.
	require.NoError(t, c.Send("", 1))
	require.Eventually(t, func() bool {
		ids := h.ConnectedClients()
		return len(ids) == 1 && ids[0] != first && c.State() == types.Connected
	}, 5*time.Second, 10*time.Millisecond)

	// Active subscriptions are not replayed on the new session.
	_, ok := h.Destinations()["/topic/feed"]
	assert.False(t, ok)
}
