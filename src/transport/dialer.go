package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// Transport errors.
var (
	ErrClosed         = errors.New("transport closed")
	ErrSessionClosed  = errors.New("sockjs session closed by server")
	ErrUnsupportedURL = errors.New("unsupported endpoint url")
	ErrBadFrame       = errors.New("malformed sockjs frame")
	ErrNoTransport    = errors.New("no usable transport")
)

// Dialer opens one message-oriented connection to the broker.
type Dialer interface {
	Dial(ctx context.Context) (types.Conn, error)
	Name() string
}

// NewDialer picks a dialer for cfg.URL and cfg.Transport.
//
// With the auto transport, ws:// and wss:// endpoints speak raw STOMP over
// websocket while http:// and https:// endpoints go through SockJS, trying
// the websocket transport first and XHR polling second.
func NewDialer(cfg *config.ClientConfig, logger zerolog.Logger) (Dialer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", cfg.URL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrUnsupportedURL, cfg.URL)
	}

	switch cfg.Transport {
	case config.TransportWebSocket:
		if err := toWebSocketScheme(u); err != nil {
			return nil, err
		}
		return NewWebSocketDialer(u.String(), cfg.WriteTimeout), nil
	case config.TransportSockJS, config.TransportXHR:
		if err := toHTTPScheme(u); err != nil {
			return nil, err
		}
		d := NewSockJSDialer(u.String(), cfg.WriteTimeout, logger)
		d.AllowWebSocket = cfg.Transport == config.TransportSockJS
		return d, nil
	case config.TransportAuto, "":
		switch u.Scheme {
		case "ws", "wss":
			return NewWebSocketDialer(u.String(), cfg.WriteTimeout), nil
		case "http", "https":
			return NewSockJSDialer(u.String(), cfg.WriteTimeout, logger), nil
		}
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func toWebSocketScheme(u *url.URL) error {
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}
	return nil
}

func toHTTPScheme(u *url.URL) error {
	switch u.Scheme {
	case "http", "https":
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}
	return nil
}
