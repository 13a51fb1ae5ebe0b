package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

// xhrConn speaks SockJS over XHR polling: every read is a POST to
// <session>/xhr and every write a POST to <session>/xhr_send.
type xhrConn struct {
	client       *fasthttp.Client
	sessionURL   string
	pollTimeout  time.Duration
	writeTimeout time.Duration
	queue        frameQueue

	closeOnce sync.Once
	done      chan struct{}
}

func newXHRConn(client *fasthttp.Client, sessionURL string, pollTimeout, writeTimeout time.Duration) *xhrConn {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &xhrConn{
		client:       client,
		sessionURL:   sessionURL,
		pollTimeout:  pollTimeout,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *xhrConn) open(timeout time.Duration) error {
	body, err := c.post("/xhr", nil, timeout)
	if err != nil {
		return fmt.Errorf("sockjs xhr open: %w", err)
	}
	f, err := DecodeSockJSFrame(trimEOL(body))
	if err != nil {
		return err
	}
	if f.Type != FrameOpen {
		return fmt.Errorf("%w: expected open frame, got %q", ErrBadFrame, f.Type)
	}
	return nil
}

func (c *xhrConn) poll() ([]byte, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	body, err := c.post("/xhr", nil, c.pollTimeout)
	if err != nil {
		select {
		case <-c.done:
			return nil, ErrClosed
		default:
		}
		return nil, err
	}
	return body, nil
}

func (c *xhrConn) ReadMessage() ([]byte, error) {
	return c.queue.next(c.poll)
}

func (c *xhrConn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_, err := c.post("/xhr_send", EncodeSockJSMessages(string(data)), c.writeTimeout)
	return err
}

func (c *xhrConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

type postResult struct {
	body []byte
	err  error
}

// post runs the request on its own goroutine so Close can abandon a
// long poll the server never answers. The goroutine owns req and resp.
func (c *xhrConn) post(suffix string, body []byte, timeout time.Duration) ([]byte, error) {
	result := make(chan postResult, 1)
	go func() {
		b, err := c.do(suffix, body, timeout)
		result <- postResult{body: b, err: err}
	}()

	select {
	case r := <-result:
		return r.body, r.err
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *xhrConn) do(suffix string, body []byte, timeout time.Duration) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.sessionURL + suffix)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("text/plain;charset=UTF-8")
	if body != nil {
		req.SetBody(body)
	}

	if err := c.client.DoTimeout(req, resp, timeout); err != nil {
		return nil, err
	}
	switch resp.StatusCode() {
	case fasthttp.StatusOK, fasthttp.StatusNoContent:
	case fasthttp.StatusNotFound:
		return nil, fmt.Errorf("%w: session not found", ErrSessionClosed)
	default:
		return nil, fmt.Errorf("sockjs %s: unexpected status %d", suffix, resp.StatusCode())
	}
	return append([]byte(nil), resp.Body()...), nil
}
