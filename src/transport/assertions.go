package transport

import "github.com/orchestra-mcp/realtime/src/types"

// Compile-time interface assertions.
var (
	_ Dialer     = (*WebSocketDialer)(nil)
	_ Dialer     = (*SockJSDialer)(nil)
	_ types.Conn = (*wsConn)(nil)
	_ types.Conn = (*sockJSWSConn)(nil)
	_ types.Conn = (*xhrConn)(nil)
)
