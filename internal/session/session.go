package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EchoPBX/tradedesk/internal/jwt"
	"github.com/EchoPBX/tradedesk/internal/router"
	"github.com/EchoPBX/tradedesk/internal/rpc"
	"github.com/EchoPBX/tradedesk/internal/ws"
	"github.com/EchoPBX/tradedesk/pkg/sdk"
	"go.uber.org/zap"
)

// StateEvent is published on the bus on every gate change, with a Status
// payload.
const StateEvent = "session.state"

var (
	ErrClosed       = errors.New("session: closed")
	ErrNoCredential = errors.New("session: no credential")
	ErrTokenExpired = errors.New("session: credential expired")
)

// Gate is what the front-end shows in place of the dashboard.
type Gate int

const (
	GateSignedOut Gate = iota
	GateConnecting
	GateReady
	GateError
	GateExpired
)

func (g Gate) String() string {
	switch g {
	case GateSignedOut:
		return "signed_out"
	case GateConnecting:
		return "connecting"
	case GateReady:
		return "ready"
	case GateError:
		return "error"
	case GateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (g Gate) MarshalText() ([]byte, error) { return []byte(g.String()), nil }

func (g *Gate) UnmarshalText(b []byte) error {
	for c := GateSignedOut; c <= GateExpired; c++ {
		if c.String() == string(b) {
			*g = c
			return nil
		}
	}
	return fmt.Errorf("session: unknown gate %q", b)
}

type Options struct {
	// URL is the backend base, e.g. ws://localhost:8000. Path is appended
	// and the credential goes in the token query parameter.
	URL  string
	Path string
	// Debug traces routed and sent frames.
	Debug bool
	// Client carries timing and transport settings. Its callbacks and
	// logger are replaced by the session.
	Client ws.Options
	Logger *zap.Logger
	Now    func() time.Time
}

// Status is a point-in-time view of the session.
type Status struct {
	State     Gate      `json:"state"`
	Connected bool      `json:"connected"`
	Client    string    `json:"client,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Session owns the connection of one signed-in user. It builds a Client
// when a credential is set and tears it down on logout, on credential
// rejection and on Close.
type Session struct {
	log     *zap.Logger
	bus     router.Publisher
	router  *router.Router
	pending *rpc.Pending
	req     *rpc.Requester

	mu         sync.Mutex
	opts       Options
	token      string
	claims     jwt.Claims
	client     *ws.Client
	gen        uint64
	connecting bool
	errored    bool
	expired    bool
	closed     bool
	gate       Gate

	hookSeq  int
	hooks    map[int]func()
	watchSeq int
	watchers map[int]chan Gate
	outbox   []json.RawMessage
}

func New(bus router.Publisher, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Session{
		log:      opts.Logger.Named("session"),
		bus:      bus,
		pending:  rpc.NewPending(),
		opts:     opts,
		hooks:    make(map[int]func()),
		watchers: make(map[int]chan Gate),
	}
	s.router = router.New(bus, opts.Logger).WithResolver(s.pending)
	s.router.SetDebug(opts.Debug)
	s.req = rpc.NewRequester(s, s.pending)
	return s
}

// State returns the current gate.
func (s *Session) State() Gate {
	s.mu.Lock()
	defer s.unlock()
	return s.gate
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.unlock()
	st := Status{State: s.gate, Subject: s.claims.Subject, ExpiresAt: s.claims.ExpiresAt}
	if s.client != nil {
		st.Connected = s.client.IsConnected()
		st.Client = s.client.State().String()
	}
	return st
}

// Watch returns a channel that receives the latest gate after every change.
// Slow readers only see the most recent value. cancel stops delivery.
func (s *Session) Watch() (<-chan Gate, func()) {
	s.mu.Lock()
	defer s.unlock()
	ch := make(chan Gate, 1)
	ch <- s.gate
	s.watchSeq++
	id := s.watchSeq
	s.watchers[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.unlock()
		})
	}
}

// Client returns the live connection client, or nil when signed out.
func (s *Session) Client() *ws.Client {
	s.mu.Lock()
	defer s.unlock()
	return s.client
}

// Requester issues correlated calls over whichever client is current.
func (s *Session) Requester() *rpc.Requester { return s.req }

// Send forwards msg to the current client.
func (s *Session) Send(msg sdk.Message) error {
	c := s.Client()
	if c == nil {
		return ws.ErrNotConnected
	}
	return c.Send(msg)
}

func (s *Session) IsConnected() bool {
	c := s.Client()
	return c != nil && c.IsConnected()
}

// OnConnect registers fn to run after every successful open, including
// opens of clients built later by SetLoggedIn.
func (s *Session) OnConnect(fn func()) func() {
	s.mu.Lock()
	defer s.unlock()
	s.hookSeq++
	id := s.hookSeq
	s.hooks[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.hooks, id)
			s.unlock()
		})
	}
}

// SetLoggedIn installs a new credential and reconnects with it. A token
// whose exp has passed moves straight to the expired gate without dialing.
func (s *Session) SetLoggedIn(token string) error {
	if token == "" {
		return ErrNoCredential
	}
	claims, err := jwt.Inspect(token)
	if err != nil {
		// Opaque tokens are the backend's business.
		s.log.Debug("credential is not a jwt", zap.Error(err))
		claims = jwt.Claims{}
	}

	s.mu.Lock()
	if s.closed {
		s.unlock()
		return ErrClosed
	}
	old := s.detachLocked()
	s.token = token
	s.claims = claims
	s.errored = false
	if claims.Expired(s.opts.Now()) {
		s.expired = true
		s.connecting = false
		s.updateGateLocked()
		s.unlock()
		closeClient(old)
		s.log.Warn("credential already expired", zap.Time("exp", claims.ExpiresAt))
		return ErrTokenExpired
	}
	s.expired = false
	err = s.dialLocked()
	s.unlock()
	closeClient(old)
	return err
}

func (s *Session) dialLocked() error {
	url, err := ws.BuildURL(s.opts.URL, s.opts.Path, s.token)
	if err != nil {
		s.errored = true
		s.updateGateLocked()
		return fmt.Errorf("session: %w", err)
	}
	s.gen++
	gen := s.gen
	o := s.opts.Client
	o.Logger = s.opts.Logger
	o.Debug = s.opts.Debug
	o.DeferConnect = true
	o.OnConnect = func() { s.onOpen(gen) }
	o.OnDisconnect = func() { s.onDisconnect(gen) }
	o.OnError = func(err error) { s.onError(gen, err) }
	o.OnTokenExpiry = func() { s.onExpiry(gen) }

	c, err := ws.New(url, s.router, o)
	if err != nil {
		s.errored = true
		s.updateGateLocked()
		return fmt.Errorf("session: %w", err)
	}
	s.client = c
	s.connecting = true
	s.updateGateLocked()
	c.Connect()
	return nil
}

// detachLocked forgets the current client so its late callbacks are ignored.
// The caller closes it after releasing the lock.
func (s *Session) detachLocked() *ws.Client {
	old := s.client
	s.client = nil
	s.gen++
	s.connecting = false
	return old
}

func closeClient(c *ws.Client) {
	if c != nil {
		c.Close()
	}
}

func (s *Session) onOpen(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.unlock()
		return
	}
	s.connecting = false
	s.errored = false
	s.updateGateLocked()
	hooks := s.hookOrderLocked()
	s.unlock()

	for _, fn := range hooks {
		s.runHook(fn)
	}
}

func (s *Session) hookOrderLocked() []func() {
	out := make([]func(), 0, len(s.hooks))
	for id := 1; id <= s.hookSeq; id++ {
		if fn, ok := s.hooks[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (s *Session) runHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("connect hook panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

func (s *Session) onDisconnect(gen uint64) {
	s.mu.Lock()
	defer s.unlock()
	if gen != s.gen {
		return
	}
	s.connecting = false
	s.updateGateLocked()
}

func (s *Session) onError(gen uint64, err error) {
	s.mu.Lock()
	defer s.unlock()
	if gen != s.gen {
		return
	}
	s.log.Warn("connection error", zap.Error(err))
	s.connecting = false
	s.errored = true
	s.updateGateLocked()
}

func (s *Session) onExpiry(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.unlock()
		return
	}
	old := s.detachLocked()
	s.expired = true
	s.errored = false
	s.updateGateLocked()
	s.unlock()
	closeClient(old)
	s.log.Warn("session expired, sign in again")
}

// Acknowledge clears the expired gate once the user went back to login.
func (s *Session) Acknowledge() {
	s.mu.Lock()
	defer s.unlock()
	if !s.expired {
		return
	}
	s.expired = false
	s.token = ""
	s.claims = jwt.Claims{}
	s.updateGateLocked()
}

// ReconnectNow redials the current client without waiting.
func (s *Session) ReconnectNow() error {
	c := s.Client()
	if c == nil {
		return ErrNoCredential
	}
	c.ReconnectNow()
	return nil
}

// Logout drops the credential and closes the connection.
func (s *Session) Logout() {
	s.mu.Lock()
	old := s.detachLocked()
	s.token = ""
	s.claims = jwt.Claims{}
	s.errored = false
	s.expired = false
	s.updateGateLocked()
	s.unlock()
	closeClient(old)
}

// Reload applies new options. A changed backend address rebuilds the
// client; debug changes apply in place and timing changes apply to the
// next client built.
func (s *Session) Reload(opts Options) error {
	s.mu.Lock()
	if opts.Logger == nil {
		opts.Logger = s.opts.Logger
	}
	if opts.Now == nil {
		opts.Now = s.opts.Now
	}
	rebuild := opts.URL != s.opts.URL || opts.Path != s.opts.Path
	s.opts = opts
	s.router.SetDebug(opts.Debug)
	if s.client != nil {
		s.client.SetDebug(opts.Debug)
	}
	if !rebuild || s.client == nil || s.closed {
		s.unlock()
		return nil
	}
	old := s.detachLocked()
	err := s.dialLocked()
	s.unlock()
	closeClient(old)
	return err
}

// Close tears the session down for good.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.unlock()
		return
	}
	s.closed = true
	old := s.detachLocked()
	s.unlock()
	closeClient(old)
}

func (s *Session) updateGateLocked() {
	var g Gate
	switch {
	case s.connecting:
		g = GateConnecting
	case s.errored:
		g = GateError
	case s.expired:
		g = GateExpired
	case s.token == "":
		g = GateSignedOut
	default:
		g = GateReady
	}
	if g == s.gate {
		return
	}
	s.gate = g
	s.log.Info("state", zap.Stringer("state", g))
	for _, ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- g
	}
	if s.bus != nil {
		payload, _ := json.Marshal(Status{State: g, Subject: s.claims.Subject, ExpiresAt: s.claims.ExpiresAt})
		s.outbox = append(s.outbox, payload)
	}
}

// unlock releases mu and then publishes the gate changes queued while it
// was held, so bus subscribers may call back into the session.
func (s *Session) unlock() {
	out := s.outbox
	s.outbox = nil
	s.mu.Unlock()
	for _, p := range out {
		s.bus.Publish(StateEvent, p)
	}
}
