package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EchoPBX/tradedesk/pkg/sdk"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Send when the connection is not open.
	// The message is dropped, never queued.
	ErrNotConnected = errors.New("ws: not connected")
	ErrNoURL        = errors.New("ws: target url required")
)

// Router receives every decoded inbound frame, in transport order.
type Router interface {
	Route(msg sdk.Message)
}

// Client owns one duplex connection to the backend and reconnects it after
// unexpected closes. At most one transport handle and one reconnect timer
// exist at any time.
type Client struct {
	url    string
	opts   Options
	log    *zap.Logger
	router Router
	debug  atomic.Bool

	mu              sync.Mutex
	fsm             machine
	conn            Conn
	gen             uint64
	cancelDial      context.CancelFunc
	timer           Timer
	timerSeq        uint64
	shouldReconnect bool
	immediate       bool
	delay           time.Duration
}

// New builds a client for url and, unless opts.DeferConnect is set, starts
// connecting right away.
func New(url string, router Router, opts Options) (*Client, error) {
	if url == "" {
		return nil, ErrNoURL
	}
	o := opts.withDefaults()
	c := &Client{
		url:             url,
		opts:            o,
		log:             o.Logger.Named("ws"),
		router:          router,
		shouldReconnect: true,
		delay:           o.ReconnectDelay,
	}
	c.debug.Store(o.Debug)
	if !o.DeferConnect {
		c.Connect()
	}
	return c, nil
}

// SetDebug toggles tracing of sent frames.
func (c *Client) SetDebug(on bool) { c.debug.Store(on) }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsm.State()
}

// IsConnected reports whether the connection is open.
func (c *Client) IsConnected() bool { return c.State() == StateOpen }

// Connect starts a dial. It is a no-op while connecting, open or closing.
func (c *Client) Connect() { c.connect(false, 0) }

func (c *Client) connect(fromTimer bool, seq uint64) {
	c.mu.Lock()
	if fromTimer {
		// The timer may have been cancelled after it fired.
		if seq != c.timerSeq || c.timer == nil || !c.shouldReconnect {
			c.mu.Unlock()
			return
		}
		c.timer = nil
	}
	if !c.fsm.can(TriggerConnect) {
		state := c.fsm.State()
		c.mu.Unlock()
		c.log.Debug("connect skipped", zap.Stringer("state", state))
		return
	}
	_ = c.fsm.fire(TriggerConnect)
	c.shouldReconnect = true
	c.stopTimerLocked()
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	c.cancelDial = cancel
	c.mu.Unlock()

	c.log.Debug("connecting", zap.Uint64("attempt", gen))
	go c.dial(ctx, cancel, gen)
}

func (c *Client) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	conn, err := c.opts.Transport.Dial(ctx, c.url)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(CloseNormal, "superseded")
		}
		return
	}
	c.cancelDial = nil
	if err != nil {
		c.mu.Unlock()
		code := CloseAbnormal
		if errors.Is(err, ErrHandshakeRejected) {
			code = ClosePolicyViolation
		}
		c.handleClose(gen, code, "dial failed", err)
		return
	}
	if c.fsm.State() == StateClosing {
		// Close raced the handshake.
		c.mu.Unlock()
		_ = conn.Close(CloseNormal, "client closing")
		c.handleClose(gen, CloseNormal, "client closing", nil)
		return
	}
	c.conn = conn
	_ = c.fsm.fire(TriggerOpened)
	c.delay = c.opts.ReconnectDelay
	c.mu.Unlock()

	c.log.Info("connected")
	if c.opts.OnConnect != nil {
		c.opts.OnConnect()
	}
	go c.readLoop(conn, gen)
}

func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			var ce *CloseError
			if errors.As(err, &ce) {
				c.handleClose(gen, ce.Code, ce.Reason, nil)
			} else {
				c.handleClose(gen, CloseAbnormal, "connection lost", err)
			}
			return
		}
		c.handleFrame(gen, data)
	}
}

func (c *Client) handleFrame(gen uint64, data []byte) {
	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		c.log.Debug("dropping frame from a superseded connection", zap.Uint64("attempt", gen))
		return
	}
	var msg sdk.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("dropping undecodable frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	if c.router != nil {
		c.router.Route(msg)
	}
}

// handleClose runs once the transport of generation gen is gone. transportErr
// is reported through OnError unless the caller asked for the close.
func (c *Client) handleClose(gen uint64, code int, reason string, transportErr error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	callerClosed := c.fsm.State() == StateClosing
	c.conn = nil
	c.cancelDial = nil
	_ = c.fsm.fire(TriggerDropped)

	expired := code == ClosePolicyViolation
	var scheduled time.Duration = -1
	switch {
	case expired:
		c.shouldReconnect = false
		c.immediate = false
	case !c.shouldReconnect:
	case c.immediate:
		c.immediate = false
		scheduled = c.scheduleLocked(0)
	default:
		scheduled = c.scheduleLocked(c.nextDelayLocked())
	}
	c.mu.Unlock()

	if transportErr != nil && !callerClosed {
		c.log.Warn("transport error", zap.Error(transportErr))
		if c.opts.OnError != nil {
			c.opts.OnError(transportErr)
		}
	}

	fields := []zap.Field{zap.Int("code", code), zap.String("reason", reason)}
	if scheduled >= 0 {
		fields = append(fields, zap.Duration("reconnect_in", scheduled))
	}
	c.log.Info("disconnected", fields...)
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect()
	}
	if expired {
		c.log.Warn("credential rejected, not reconnecting")
		if c.opts.OnTokenExpiry != nil {
			c.opts.OnTokenExpiry()
		}
	}
}

func (c *Client) nextDelayLocked() time.Duration {
	d := c.delay
	if max := c.opts.MaxReconnectDelay; max > c.opts.ReconnectDelay {
		next := d * 2
		if next > max {
			next = max
		}
		c.delay = next
	}
	return d
}

// scheduleLocked arms the reconnect timer unless one is already pending. It
// returns the delay used, or -1 when nothing was scheduled.
func (c *Client) scheduleLocked(d time.Duration) time.Duration {
	if c.timer != nil || !c.shouldReconnect {
		return -1
	}
	if err := c.fsm.fire(TriggerSchedule); err != nil {
		c.log.Debug("reconnect not scheduled", zap.Error(err))
		return -1
	}
	c.timerSeq++
	seq := c.timerSeq
	c.timer = c.opts.AfterFunc(d, func() { c.fireTimer(seq) })
	return d
}

func (c *Client) fireTimer(seq uint64) { c.connect(true, seq) }

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}

// Close stops reconnecting, cancels a pending timer or dial and closes the
// transport with a normal close code.
func (c *Client) Close() {
	c.mu.Lock()
	c.shouldReconnect = false
	c.immediate = false
	c.stopTimerLocked()
	conn := c.conn
	cancel := c.cancelDial
	if c.fsm.can(TriggerClose) {
		_ = c.fsm.fire(TriggerClose)
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(CloseNormal, "client closing"); err != nil {
			c.log.Debug("close", zap.Error(err))
		}
	}
	c.log.Debug("closed by caller")
}

// ReconnectNow drops the current connection and dials again without waiting
// for the reconnect delay, e.g. after the credential was refreshed.
func (c *Client) ReconnectNow() {
	c.mu.Lock()
	c.shouldReconnect = true
	c.stopTimerLocked()
	conn := c.conn
	if conn != nil && c.fsm.State() == StateOpen {
		c.immediate = true
		_ = c.fsm.fire(TriggerClose)
		c.mu.Unlock()
		_ = conn.Close(CloseNormal, "reconnect")
		return
	}
	c.mu.Unlock()
	c.Connect()
}

// Send transmits msg if the connection is open. Otherwise it logs and
// returns ErrNotConnected without blocking.
func (c *Client) Send(msg sdk.Message) error {
	c.mu.Lock()
	conn := c.conn
	open := c.fsm.State() == StateOpen
	c.mu.Unlock()

	if !open || conn == nil {
		c.log.Warn("not connected, message dropped", zap.String("type", msg.Type))
		return ErrNotConnected
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if err := conn.WriteMessage(b); err != nil {
		c.log.Warn("send failed", zap.String("type", msg.Type), zap.Error(err))
		c.writeFailed(conn, err)
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	if c.debug.Load() {
		c.log.Debug("sent", zap.String("type", msg.Type),
			zap.String("request_id", msg.RequestID), zap.ByteString("data", msg.Data))
	}
	return nil
}

// writeFailed reports a write error on conn while it is still the current
// transport. The connection stays up; only the read side ends it.
func (c *Client) writeFailed(conn Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn && c.fsm.fire(TriggerError) == nil
	c.mu.Unlock()
	if current && c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}

// SendKind builds a message from kind and data and sends it.
func (c *Client) SendKind(kind string, data any) error {
	msg, err := sdk.NewMessage(kind, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	return c.Send(msg)
}
