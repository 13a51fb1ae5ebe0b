package stomp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatHeartBeat renders a heart-beat header value in milliseconds.
func FormatHeartBeat(send, recv time.Duration) string {
	return fmt.Sprintf("%d,%d", send.Milliseconds(), recv.Milliseconds())
}

// ParseHeartBeat parses a "cx,cy" heart-beat header value.
func ParseHeartBeat(v string) (send, recv time.Duration, err error) {
	if v == "" {
		return 0, 0, nil
	}
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid heart-beat %q", v)
	}
	x, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid heart-beat %q: %w", v, err)
	}
	y, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid heart-beat %q: %w", v, err)
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond, nil
}

// NegotiateHeartBeat combines what we offer (send/recv) with what the
// peer answered (peerSend/peerRecv). Zero on either side disables that
// direction; otherwise the larger interval wins.
func NegotiateHeartBeat(send, recv, peerSend, peerRecv time.Duration) (out, in time.Duration) {
	if send > 0 && peerRecv > 0 {
		out = max(send, peerRecv)
	}
	if recv > 0 && peerSend > 0 {
		in = max(recv, peerSend)
	}
	return out, in
}
