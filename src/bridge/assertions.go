package bridge

import "github.com/orchestra-mcp/realtime/src/broker"

var (
	_ Bridge               = (*RedisBridge)(nil)
	_ BroadcastTarget      = (*broker.Hub)(nil)
	_ broker.MessageBridge = (*RedisBridge)(nil)
)
