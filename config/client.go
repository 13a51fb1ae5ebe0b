package config

import (
	"os"
	"time"
)

// Transport names accepted by ClientConfig.Transport.
const (
	TransportAuto      = "auto"
	TransportWebSocket = "websocket"
	TransportSockJS    = "sockjs"
	TransportXHR       = "xhr"
)

// DefaultURL is the development endpoint used when nothing is configured.
const DefaultURL = "http://localhost:8080/ws"

// ClientConfig holds connection settings for the realtime client.
type ClientConfig struct {
	URL               string        // Broker endpoint, http(s) for SockJS or ws(s) for raw websocket
	Transport         string        // auto, websocket, sockjs or xhr
	Host              string        // STOMP host header, defaults to the URL host
	ReconnectDelay    time.Duration // Fixed delay between connection attempts, 0 disables reconnect
	HeartbeatIncoming time.Duration // Heart-beat we want from the broker, 0 disables
	HeartbeatOutgoing time.Duration // Heart-beat we offer to the broker, 0 disables
	ConnectTimeout    time.Duration // Dial plus CONNECT/CONNECTED handshake
	WriteTimeout      time.Duration // Per-frame write deadline
	LazyConnect       bool          // Defer activation until the first Subscribe
}

// DefaultClientConfig returns a ClientConfig with the stock timings.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		URL:               DefaultURL,
		Transport:         TransportAuto,
		ReconnectDelay:    5 * time.Second,
		HeartbeatIncoming: 4 * time.Second,
		HeartbeatOutgoing: 4 * time.Second,
		ConnectTimeout:    10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// ClientConfigFromEnv loads client configuration from environment variables.
// Falls back to defaults for any missing or unparsable values.
func ClientConfigFromEnv() *ClientConfig {
	cfg := DefaultClientConfig()

	if u := os.Getenv("REALTIME_WS_URL"); u != "" {
		cfg.URL = u
	} else if u := os.Getenv("NEXT_PUBLIC_WS_URL"); u != "" {
		cfg.URL = u
	}
	if t := os.Getenv("REALTIME_TRANSPORT"); validTransport(t) {
		cfg.Transport = t
	}
	if h := os.Getenv("REALTIME_HOST"); h != "" {
		cfg.Host = h
	}
	cfg.ReconnectDelay = envDuration("REALTIME_RECONNECT_DELAY", cfg.ReconnectDelay)
	cfg.HeartbeatIncoming = envDuration("REALTIME_HEARTBEAT_INCOMING", cfg.HeartbeatIncoming)
	cfg.HeartbeatOutgoing = envDuration("REALTIME_HEARTBEAT_OUTGOING", cfg.HeartbeatOutgoing)
	cfg.ConnectTimeout = envDuration("REALTIME_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.WriteTimeout = envDuration("REALTIME_WRITE_TIMEOUT", cfg.WriteTimeout)
	return cfg
}

func validTransport(t string) bool {
	switch t {
	case TransportAuto, TransportWebSocket, TransportSockJS, TransportXHR:
		return true
	}
	return false
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}
