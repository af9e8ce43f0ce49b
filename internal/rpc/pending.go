package rpc

import (
	"sync"

	"github.com/EchoPBX/tradedesk/pkg/sdk"
)

const errorKind = "error"

// MatchFunc recognises a reply that carries no request id. It lets
// correlated calls work against backends that do not echo request_id.
type MatchFunc func(msg sdk.Message) bool

type entry struct {
	id       string
	kind     string
	also     []string
	match    MatchFunc
	done     func(sdk.Message) bool
	progress func(sdk.Message)
	ch       chan sdk.Message
}

// accepts reports whether a reply of kind belongs to this request.
func (e *entry) accepts(kind string) bool {
	if kind == e.kind {
		return true
	}
	for _, k := range e.also {
		if k == kind {
			return true
		}
	}
	return false
}

// Pending tracks outstanding correlated requests.
type Pending struct {
	mu    sync.Mutex
	byID  map[string]*entry
	order []*entry
}

func NewPending() *Pending {
	return &Pending{byID: make(map[string]*entry)}
}

func (p *Pending) add(e *entry) {
	p.mu.Lock()
	p.byID[e.id] = e
	p.order = append(p.order, e)
	p.mu.Unlock()
}

func (p *Pending) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[id]; !ok {
		return
	}
	delete(p.byID, id)
	for i, e := range p.order {
		if e.id == id {
			p.order = append(p.order[:i:i], p.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of requests still waiting.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// Resolve offers an inbound message to the pending table. A message with a
// request id only ever reaches that request; a message without one goes to
// the oldest request accepting its kind whose matcher accepts it. It reports
// whether a request consumed the message.
func (p *Pending) Resolve(msg sdk.Message) bool {
	p.mu.Lock()
	var e *entry
	if msg.RequestID != "" {
		e = p.byID[msg.RequestID]
		if e != nil && !e.accepts(msg.Type) && msg.Type != errorKind {
			e = nil
		}
	} else {
		for _, cand := range p.order {
			if cand.accepts(msg.Type) && cand.match != nil && cand.match(msg) {
				e = cand
				break
			}
		}
	}
	if e == nil {
		p.mu.Unlock()
		return false
	}
	final := msg.Type == errorKind || e.done == nil || e.done(msg)
	if final {
		delete(p.byID, e.id)
		for i, cand := range p.order {
			if cand == e {
				p.order = append(p.order[:i:i], p.order[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()

	if !final {
		if e.progress != nil {
			e.progress(msg)
		}
		return true
	}
	// ch has room for exactly one final message.
	e.ch <- msg
	return true
}
