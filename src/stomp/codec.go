package stomp

import (
	"bytes"
	"io"

	"github.com/go-stomp/stomp/v3/frame"
)

// EOL is the heart-beat payload.
var EOL = []byte("\n")

// Encode serializes one frame.
func Encode(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses every frame in one transport message. Heart-beats are
// skipped, so a heart-beat-only message yields no frames. Frames decoded
// before a malformed one are returned alongside the error.
func Decode(data []byte) ([]*frame.Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))
	var frames []*frame.Frame
	for {
		f, err := r.Read()
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
}

// Headers flattens frame headers into a map; the first value of a repeated key wins.
func Headers(f *frame.Frame) map[string]string {
	if f.Header == nil {
		return nil
	}
	out := make(map[string]string, f.Header.Len())
	for i := 0; i < f.Header.Len(); i++ {
		k, v := f.Header.GetAt(i)
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}
