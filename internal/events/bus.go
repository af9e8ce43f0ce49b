package events

import (
	"encoding/json"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Handler receives the raw data of one published event.
type Handler func(payload json.RawMessage)

type subscriber struct {
	fn Handler
}

// Bus maps event names to an ordered list of handlers. Publish is
// synchronous and runs handlers in registration order.
type Bus struct {
	log  *zap.Logger
	mu   sync.RWMutex
	subs map[string][]*subscriber
}

func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		log:  log,
		subs: make(map[string][]*subscriber),
	}
}

// Subscribe registers fn under name. The returned func removes exactly this
// registration; calling it more than once is a no-op.
func (b *Bus) Subscribe(name string, fn func(payload json.RawMessage)) func() {
	s := &subscriber{fn: fn}
	b.mu.Lock()
	b.subs[name] = append(b.subs[name], s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(name, s) })
	}
}

func (b *Bus) remove(name string, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[name]
	for i, cur := range list {
		if cur != s {
			continue
		}
		next := make([]*subscriber, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, name)
		} else {
			b.subs[name] = next
		}
		return
	}
}

// Publish hands payload to every handler registered under name at the time
// of the call. Events with no subscribers are dropped.
func (b *Bus) Publish(name string, payload json.RawMessage) {
	b.mu.RLock()
	list := b.subs[name]
	b.mu.RUnlock()

	// list is never mutated in place, so it is a stable snapshot even if a
	// handler unsubscribes while we iterate.
	for _, s := range list {
		b.invoke(name, s, payload)
	}
}

func (b *Bus) invoke(name string, s *subscriber, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				zap.String("event", name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	s.fn(payload)
}

// Count returns the number of handlers registered under name.
func (b *Bus) Count(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// Names returns the event names that currently have subscribers.
func (b *Bus) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subs))
	for name := range b.subs {
		out = append(out, name)
	}
	return out
}
