package bridge

import "github.com/orchestra-mcp/realtime/src/types"

// Bridge relays broker publications between instances.
type Bridge interface {
	// Publish sends a publication to all other instances.
	Publish(pub types.Publication) error

	// Start begins listening for messages from other instances.
	Start() error

	// Stop shuts down the bridge connection.
	Stop() error

	// Available reports whether the bridge is connected and operational.
	Available() bool
}

// BroadcastTarget receives publications from other instances. The
// broker hub implements it.
type BroadcastTarget interface {
	BroadcastToLocal(pub types.Publication)
}
