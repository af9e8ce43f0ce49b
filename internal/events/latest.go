package events

import (
	"encoding/json"
	"sync"

	"github.com/EchoPBX/tradedesk/pkg/sdk"
	"go.uber.org/zap"
)

// Latest keeps the most recent payload published under one event name.
// It does no filtering: callers compare payload fields themselves.
type Latest struct {
	bus sdk.Bus

	mu      sync.Mutex
	name    string
	value   json.RawMessage
	seq     uint64
	off     func()
	changed chan struct{}
	closed  bool
}

// Watch subscribes to name and starts caching its payloads.
func Watch(bus sdk.Bus, name string) *Latest {
	l := &Latest{bus: bus, changed: make(chan struct{}, 1)}
	l.bind(name)
	return l
}

func (l *Latest) bind(name string) {
	l.name = name
	l.off = l.bus.Subscribe(name, func(payload json.RawMessage) {
		l.store(name, payload)
	})
}

func (l *Latest) store(name string, payload json.RawMessage) {
	l.mu.Lock()
	if l.closed || l.name != name {
		l.mu.Unlock()
		return
	}
	l.value = payload
	l.seq++
	l.mu.Unlock()

	select {
	case l.changed <- struct{}{}:
	default:
	}
}

// Value returns the last payload and a sequence number that increases on
// every delivery. A zero sequence means nothing arrived yet.
func (l *Latest) Value() (json.RawMessage, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.seq
}

// Name returns the event name currently watched.
func (l *Latest) Name() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.name
}

// Changed is signalled (coalesced) after every delivery.
func (l *Latest) Changed() <-chan struct{} { return l.changed }

// Rebind moves the watch to another event name. Rebinding to the current
// name keeps the subscription and the cached value.
func (l *Latest) Rebind(name string) {
	l.mu.Lock()
	if l.closed || l.name == name {
		l.mu.Unlock()
		return
	}
	off := l.off
	l.value = nil
	l.seq = 0
	l.bind(name)
	l.mu.Unlock()
	off()
}

// Close unsubscribes. It is safe to call more than once.
func (l *Latest) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	off := l.off
	l.mu.Unlock()
	off()
}

// LatestAs decodes the payload held by l into T. A zero sequence means
// nothing arrived yet and v is the zero value.
func LatestAs[T any](l *Latest) (v T, seq uint64, err error) {
	raw, seq := l.Value()
	if seq == 0 || len(raw) == 0 {
		return v, seq, nil
	}
	err = json.Unmarshal(raw, &v)
	return v, seq, err
}

// SubscribeAs registers a handler that receives payloads decoded into T.
// Payloads that do not decode are logged and skipped.
func SubscribeAs[T any](bus sdk.Bus, log *zap.Logger, name string, fn func(T)) func() {
	if log == nil {
		log = zap.NewNop()
	}
	return bus.Subscribe(name, func(payload json.RawMessage) {
		var v T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &v); err != nil {
				log.Warn("event payload decode failed",
					zap.String("event", name), zap.Error(err))
				return
			}
		}
		fn(v)
	})
}
