package stomp

import (
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSkipsHeartbeats(t *testing.T) {
	frames, err := Decode([]byte("\n"))
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestDecodeMultipleFrames(t *testing.T) {
	data := []byte("MESSAGE\ndestination:/topic/a\nsubscription:sub-0\n\nfirst\x00\n" +
		"MESSAGE\ndestination:/topic/b\nsubscription:sub-1\n\nsecond\x00")
	frames, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "/topic/a", frames[0].Header.Get(frame.Destination))
	assert.Equal(t, "first", string(frames[0].Body))
	assert.Equal(t, "sub-1", frames[1].Header.Get(frame.Subscription))
	assert.Equal(t, "second", string(frames[1].Body))
}

func TestEncodeSend(t *testing.T) {
	f := frame.New(frame.SEND, frame.Destination, "/app/quiz")
	f.Body = []byte(`{"answer":2}`)
	data, err := Encode(f)
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.Equal(t, frame.SEND, back[0].Command)
	assert.Equal(t, `{"answer":2}`, string(back[0].Body))
}

func TestHeaders(t *testing.T) {
	f := frame.New(frame.MESSAGE, frame.Destination, "/topic/feed", "x-tag", "one", "x-tag", "two")
	h := Headers(f)
	assert.Equal(t, "/topic/feed", h["destination"])
	assert.Equal(t, "one", h["x-tag"])
}

func TestParseHeartBeat(t *testing.T) {
	send, recv, err := ParseHeartBeat("4000, 10000")
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, send)
	assert.Equal(t, 10*time.Second, recv)

	send, recv, err = ParseHeartBeat("")
	require.NoError(t, err)
	assert.Zero(t, send)
	assert.Zero(t, recv)

	for _, bad := range []string{"10", "a,b", "1,2,3", "-1,0"} {
		_, _, err := ParseHeartBeat(bad)
		assert.Error(t, err, bad)
	}
}

func TestNegotiateHeartBeat(t *testing.T) {
	out, in := NegotiateHeartBeat(4*time.Second, 4*time.Second, 10*time.Second, 10*time.Second)
	assert.Equal(t, 10*time.Second, out)
	assert.Equal(t, 10*time.Second, in)

	out, in = NegotiateHeartBeat(4*time.Second, 0, 10*time.Second, 1*time.Second)
	assert.Equal(t, 4*time.Second, out)
	assert.Zero(t, in)

	out, in = NegotiateHeartBeat(4*time.Second, 4*time.Second, 0, 0)
	assert.Zero(t, out)
	assert.Zero(t, in)

	assert.Equal(t, "4000,0", FormatHeartBeat(4*time.Second, 0))
}
