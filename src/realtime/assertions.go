package realtime

import "github.com/orchestra-mcp/realtime/src/stomp"

var _ Transport = (*stomp.Client)(nil)
