package realtime

import (
	"encoding/json"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/orchestra-mcp/realtime/src/stomp"
	"github.com/orchestra-mcp/realtime/src/types"
)

// decodeMessage tries the body as JSON and falls back to the raw text.
func decodeMessage(topic string, f *frame.Frame) types.Message {
	raw := string(f.Body)
	msg := types.Message{
		Topic:   topic,
		Raw:     raw,
		Data:    raw,
		Headers: stomp.Headers(f),
	}
	if dest := f.Header.Get(frame.Destination); dest != "" {
		msg.Topic = dest
	}

	var v any
	if err := json.Unmarshal(f.Body, &v); err == nil {
		msg.Data = v
		msg.Decoded = true
	}
	return msg
}
