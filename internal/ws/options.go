package ws

import (
	"time"

	"go.uber.org/zap"
)

// Timer is the handle of a pending reconnect.
type Timer interface {
	Stop() bool
}

// Options controls callbacks, reconnect timing and the transport.
type Options struct {
	OnConnect     func()
	OnDisconnect  func()
	OnError       func(err error)
	OnTokenExpiry func()

	// Debug traces every sent frame.
	Debug bool
	// DeferConnect skips the dial in New; call Connect later.
	DeferConnect bool

	// ReconnectDelay is the wait after an unexpected close. When
	// MaxReconnectDelay is larger, the wait doubles on each consecutive
	// failure up to that cap.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	HandshakeTimeout  time.Duration
	Insecure          bool

	Transport Transport
	AfterFunc func(d time.Duration, f func()) Timer
	Logger    *zap.Logger
}

// DefaultOptions returns the reference behaviour: a single fixed 5s retry
// delay, no cap on attempts.
func DefaultOptions() Options {
	return Options{
		ReconnectDelay:   5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = d.ReconnectDelay
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.Transport == nil {
		o.Transport = NewGorillaTransport(o.HandshakeTimeout, o.Insecure)
	}
	if o.AfterFunc == nil {
		o.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
