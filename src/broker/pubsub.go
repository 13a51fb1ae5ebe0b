package broker

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/orchestra-mcp/realtime/src/stomp"
	"github.com/orchestra-mcp/realtime/src/types"
)

// ServerName is reported in the CONNECTED frame.
const ServerName = "orchestra-realtime/0.1"

var supportedVersions = []string{"1.2", "1.1", "1.0"}

func (h *Hub) handleFrame(c *Client, f *frame.Frame) {
	if f.Command != frame.CONNECT && f.Command != frame.STOMP && !c.isConnected() {
		h.fail(c, "not connected", "send CONNECT first")
		return
	}

	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		h.handleConnect(c, f)
	case frame.SUBSCRIBE:
		h.handleSubscribe(c, f)
	case frame.UNSUBSCRIBE:
		h.handleUnsubscribe(c, f)
	case frame.SEND:
		h.handleSend(c, f)
	case frame.DISCONNECT:
		h.handleDisconnect(c, f)
	case frame.ACK, frame.NACK, frame.BEGIN, frame.COMMIT, frame.ABORT:
		// Subscriptions are ack:auto and there are no transactions.
		h.receipt(c, f)
	default:
		// CONNECTED, MESSAGE, RECEIPT and ERROR only travel broker to client.
		h.fail(c, "unexpected command", f.Command)
	}
}

func (h *Hub) handleConnect(c *Client, f *frame.Frame) {
	if c.isConnected() {
		h.fail(c, "already connected", "")
		return
	}
	version, ok := negotiateVersion(f.Header.Get(frame.AcceptVersion))
	if !ok {
		h.fail(c, "unsupported protocol version", "supported versions are "+strings.Join(supportedVersions, ","))
		return
	}
	cx, cy, err := stomp.ParseHeartBeat(f.Header.Get(frame.HeartBeat))
	if err != nil {
		h.fail(c, "invalid heart-beat", err.Error())
		return
	}
	// The client's cy is how often it wants to hear from us.
	out, _ := stomp.NegotiateHeartBeat(h.cfg.HeartbeatSend, h.cfg.HeartbeatRecv, cx, cy)
	c.markConnected(version, out)

	reply := frame.New(frame.CONNECTED,
		frame.Version, version,
		frame.HeartBeat, stomp.FormatHeartBeat(h.cfg.HeartbeatSend, h.cfg.HeartbeatRecv),
		frame.Server, ServerName,
		frame.Session, c.ID,
	)
	h.write(c, reply)
	h.logger.Debug().Str("client_id", c.ID).Str("version", version).Dur("heartbeat", out).Msg("stomp session established")
}

func (h *Hub) handleSubscribe(c *Client, f *frame.Frame) {
	id := f.Header.Get(frame.Id)
	dest := f.Header.Get(frame.Destination)
	if id == "" || dest == "" {
		h.fail(c, "invalid SUBSCRIBE", "id and destination are required")
		return
	}

	h.mu.Lock()
	if _, live := h.clients[c.ID]; !live {
		h.mu.Unlock()
		return
	}
	if h.destinations[dest] == nil {
		h.destinations[dest] = make(map[subKey]struct{})
	}
	h.destinations[dest][subKey{clientID: c.ID, subID: id}] = struct{}{}
	h.mu.Unlock()

	c.addSub(id, dest)
	h.logger.Debug().Str("client_id", c.ID).Str("subscription", id).Str("destination", dest).Msg("subscribed")
	h.receipt(c, f)
}

func (h *Hub) handleUnsubscribe(c *Client, f *frame.Frame) {
	id := f.Header.Get(frame.Id)
	if id == "" {
		h.fail(c, "invalid UNSUBSCRIBE", "id is required")
		return
	}
	if dest, ok := c.removeSub(id); ok {
		h.unsubscribe(dest, subKey{clientID: c.ID, subID: id})
		h.logger.Debug().Str("client_id", c.ID).Str("subscription", id).Str("destination", dest).Msg("unsubscribed")
	}
	h.receipt(c, f)
}

func (h *Hub) handleSend(c *Client, f *frame.Frame) {
	dest := f.Header.Get(frame.Destination)
	if dest == "" {
		h.fail(c, "invalid SEND", "destination is required")
		return
	}
	pub := types.Publication{
		Destination: dest,
		ContentType: f.Header.Get(frame.ContentType),
		Body:        string(f.Body),
		Origin:      c.ID,
		Timestamp:   time.Now(),
	}
	h.publishToBridge(pub)
	h.deliver(pub)
	h.receipt(c, f)
}

func (h *Hub) handleDisconnect(c *Client, f *frame.Frame) {
	if r := f.Header.Get(frame.Receipt); r != "" {
		if data, err := stomp.Encode(frame.New(frame.RECEIPT, frame.ReceiptId, r)); err == nil {
			if err := c.writeDirect(data); err != nil {
				h.logger.Debug().Err(err).Str("client_id", c.ID).Msg("receipt write failed")
			}
		}
	}
	h.removeClient(c)
}

func (h *Hub) unsubscribe(dest string, k subKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.destinations[dest]
	if !ok {
		return
	}
	delete(subs, k)
	if len(subs) == 0 {
		delete(h.destinations, dest)
	}
}

// deliver fans pub out as MESSAGE frames to every local subscription on
// its destination.
func (h *Hub) deliver(pub types.Publication) {
	h.mu.RLock()
	subs, ok := h.destinations[pub.Destination]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]subKey, 0, len(subs))
	for k := range subs {
		targets = append(targets, k)
	}
	h.mu.RUnlock()

	for _, k := range targets {
		h.mu.RLock()
		client, exists := h.clients[k.clientID]
		h.mu.RUnlock()
		if !exists {
			continue
		}
		msg := frame.New(frame.MESSAGE,
			frame.Destination, pub.Destination,
			frame.Subscription, k.subID,
			frame.MessageId, strconv.FormatUint(h.seq.Add(1), 10),
			frame.ContentLength, strconv.Itoa(len(pub.Body)),
		)
		if pub.ContentType != "" {
			msg.Header.Add(frame.ContentType, pub.ContentType)
		}
		msg.Body = []byte(pub.Body)
		if !h.write(client, msg) {
			h.logger.Warn().Str("client_id", k.clientID).Str("destination", pub.Destination).Msg("send buffer full, dropping")
		}
	}
}

// publishToBridge forwards pub to the bridge if one is attached.
func (h *Hub) publishToBridge(pub types.Publication) {
	h.mu.RLock()
	b := h.bridge
	h.mu.RUnlock()

	if b == nil || !b.Available() {
		return
	}
	if err := b.Publish(pub); err != nil {
		h.logger.Error().Err(err).Msg("bridge publish failed")
	}
}

// Publish sends body to every subscriber of destination, on this instance
// and, through the bridge, on the others.
func (h *Hub) Publish(destination string, body []byte, contentType string) {
	pub := types.Publication{
		Destination: destination,
		ContentType: contentType,
		Body:        string(body),
		Timestamp:   time.Now(),
	}
	select {
	case h.broadcast <- pub:
	case <-h.done:
	}
}

func (h *Hub) write(c *Client, f *frame.Frame) bool {
	data, err := stomp.Encode(f)
	if err != nil {
		h.logger.Error().Err(err).Str("command", f.Command).Msg("encode frame")
		return false
	}
	return c.enqueue(data)
}

// receipt answers a receipt header, if present.
func (h *Hub) receipt(c *Client, f *frame.Frame) {
	if r := f.Header.Get(frame.Receipt); r != "" {
		h.write(c, frame.New(frame.RECEIPT, frame.ReceiptId, r))
	}
}

// fail sends an ERROR frame and closes the connection, as STOMP requires.
func (h *Hub) fail(c *Client, message, details string) {
	h.logger.Warn().Str("client_id", c.ID).Str("error", message).Str("details", details).Msg("closing client")
	f := frame.New(frame.ERROR, frame.Message, message)
	if details != "" {
		f.Header.Add(frame.ContentType, "text/plain")
		f.Body = []byte(details)
	}
	if data, err := stomp.Encode(f); err == nil {
		if err := c.writeDirect(data); err != nil {
			h.logger.Debug().Err(err).Str("client_id", c.ID).Msg("error frame write failed")
		}
	}
	h.removeClient(c)
}

// rejectMalformed reports a parse failure from the read pump.
func (h *Hub) rejectMalformed(c *Client, err error) {
	msg := "malformed frame"
	if errors.Is(err, frame.ErrInvalidCommand) {
		msg = "unknown command"
	}
	f := frame.New(frame.ERROR, frame.Message, msg)
	f.Body = []byte(err.Error())
	if data, encErr := stomp.Encode(f); encErr == nil {
		_ = c.writeDirect(data)
	}
}

func negotiateVersion(accept string) (string, bool) {
	if accept == "" {
		return "1.0", true
	}
	offered := strings.Split(accept, ",")
	for _, v := range supportedVersions {
		for _, o := range offered {
			if strings.TrimSpace(o) == v {
				return v, true
			}
		}
	}
	return "", false
}
