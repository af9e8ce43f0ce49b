package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/EchoPBX/tradedesk/pkg/sdk"
)

var errLocalClose = errors.New("use of closed network connection")

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	readErr   error
	writeErr  error
	written   [][]byte
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.readErr
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errLocalClose
	default:
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.shutdown(errLocalClose, code)
	return nil
}

// failWrites makes every later write fail with err.
func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// remoteClose simulates the server sending a close frame.
func (c *fakeConn) remoteClose(code int, reason string) {
	c.shutdown(&CloseError{Code: code, Reason: reason}, 0)
}

// drop simulates a network failure.
func (c *fakeConn) drop(err error) { c.shutdown(err, 0) }

func (c *fakeConn) shutdown(err error, code int) {
	c.once.Do(func() {
		c.mu.Lock()
		c.readErr = err
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

type fakeTransport struct {
	mu    sync.Mutex
	dials int
	errs  []error
	conns []*fakeConn
}

func (t *fakeTransport) Dial(ctx context.Context, url string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		return nil, err
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) failNext(errs ...error) {
	t.mu.Lock()
	t.errs = append(t.errs, errs...)
	t.mu.Unlock()
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// fire runs the callback even if the timer was stopped, which is what a
// real timer does when Stop races the expiry.
func (t *fakeTimer) fire() {
	t.clock.mu.Lock()
	t.fired = true
	t.clock.mu.Unlock()
	t.f()
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (c *fakeClock) created() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type routeRecorder struct {
	mu   sync.Mutex
	msgs []sdk.Message
	ch   chan sdk.Message
}

func newRouteRecorder() *routeRecorder {
	return &routeRecorder{ch: make(chan sdk.Message, 16)}
}

func (r *routeRecorder) Route(msg sdk.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	r.ch <- msg
}

// harness wires a client to fakes and records lifecycle callbacks.
type harness struct {
	t         *testing.T
	client    *Client
	transport *fakeTransport
	clock     *fakeClock
	router    *routeRecorder
	events    chan string
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		transport: &fakeTransport{},
		clock:     &fakeClock{},
		router:    newRouteRecorder(),
		events:    make(chan string, 32),
	}
	opts := Options{
		OnConnect:     func() { h.events <- "connect" },
		OnDisconnect:  func() { h.events <- "disconnect" },
		OnError:       func(error) { h.events <- "error" },
		OnTokenExpiry: func() { h.events <- "expiry" },
		Transport:     h.transport,
		AfterFunc:     h.clock.AfterFunc,
	}
	if tweak != nil {
		tweak(&opts)
	}
	c, err := New("ws://backend.test/ws?token=abc", h.router, opts)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	h.client = c
	t.Cleanup(c.Close)
	return h
}

func (h *harness) expect(want ...string) {
	h.t.Helper()
	for _, w := range want {
		select {
		case got := <-h.events:
			if got != w {
				h.t.Fatalf("expected event %q, got %q", w, got)
			}
		case <-time.After(2 * time.Second):
			h.t.Fatalf("timed out waiting for event %q", w)
		}
	}
}

func (h *harness) expectQuiet() {
	h.t.Helper()
	select {
	case got := <-h.events:
		h.t.Fatalf("unexpected event %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}
