package broker

import "github.com/orchestra-mcp/realtime/src/types"

// Compile-time interface assertions.
var (
	_ types.Conn = (*wsConn)(nil)
	_ types.Conn = (*sockJSConn)(nil)
	_ types.Conn = (*xhrSession)(nil)
)
