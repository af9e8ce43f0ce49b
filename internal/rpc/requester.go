package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/EchoPBX/tradedesk/pkg/sdk"
	"github.com/google/uuid"
)

var ErrNoSender = errors.New("rpc: no connection")

// RemoteError is returned when the backend answers a request with an error
// frame carrying the request id.
type RemoteError struct {
	Kind string
	Data []byte
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: %s failed: %s", e.Kind, e.Data)
}

// Option tunes one correlated call.
type Option func(*entry)

// WithMatch accepts replies without a request id when fn returns true.
func WithMatch(fn MatchFunc) Option {
	return func(e *entry) { e.match = fn }
}

// WithDone marks which reply ends a streamed answer. Earlier replies go to
// the progress callback instead of completing the call.
func WithDone(fn func(sdk.Message) bool) Option {
	return func(e *entry) { e.done = fn }
}

// WithReplyKinds lets replies of other kinds complete or advance the call,
// for commands whose progress and result arrive under their own types.
func WithReplyKinds(kinds ...string) Option {
	return func(e *entry) { e.also = append(e.also, kinds...) }
}

// WithProgress receives intermediate replies of a streamed answer.
func WithProgress(fn func(sdk.Message)) Option {
	return func(e *entry) { e.progress = fn }
}

// Requester sends commands tagged with a fresh request id and waits for the
// matching reply.
type Requester struct {
	sender  sdk.Sender
	pending *Pending
	newID   func() string
}

func NewRequester(sender sdk.Sender, pending *Pending) *Requester {
	return &Requester{sender: sender, pending: pending, newID: uuid.NewString}
}

// Do sends kind with data and blocks until the reply arrives or ctx ends.
func (r *Requester) Do(ctx context.Context, kind string, data any, opts ...Option) (sdk.Message, error) {
	if r == nil || r.sender == nil {
		return sdk.Message{}, ErrNoSender
	}
	msg, err := sdk.NewMessage(kind, data)
	if err != nil {
		return sdk.Message{}, fmt.Errorf("encode %s: %w", kind, err)
	}
	msg.RequestID = r.newID()

	e := &entry{id: msg.RequestID, kind: kind, ch: make(chan sdk.Message, 1)}
	for _, opt := range opts {
		opt(e)
	}
	r.pending.add(e)
	defer r.pending.remove(e.id)

	if err := r.sender.Send(msg); err != nil {
		return sdk.Message{}, err
	}

	select {
	case reply := <-e.ch:
		if reply.Type == errorKind && kind != errorKind {
			return reply, &RemoteError{Kind: kind, Data: reply.Data}
		}
		return reply, nil
	case <-ctx.Done():
		return sdk.Message{}, ctx.Err()
	}
}
