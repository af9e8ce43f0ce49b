package router

import (
	"encoding/json"
	"sync/atomic"

	"github.com/EchoPBX/tradedesk/internal/protocol"
	"github.com/EchoPBX/tradedesk/pkg/sdk"
	"go.uber.org/zap"
)

// Publisher is the part of the bus the router needs.
type Publisher interface {
	Publish(name string, payload json.RawMessage)
}

// Resolver completes correlated requests.
type Resolver interface {
	Resolve(msg sdk.Message) bool
}

// Router turns decoded inbound frames into bus events named after the
// frame type.
type Router struct {
	bus      Publisher
	resolver Resolver
	log      *zap.Logger
	debug    atomic.Bool
}

func New(bus Publisher, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{bus: bus, log: log.Named("router")}
}

// WithResolver hands correlated replies to res before they are published.
func (r *Router) WithResolver(res Resolver) *Router {
	r.resolver = res
	return r
}

// SetDebug turns per-frame tracing on or off.
func (r *Router) SetDebug(on bool) { r.debug.Store(on) }

// Route publishes msg under its type. Unknown types are logged and dropped.
func (r *Router) Route(msg sdk.Message) {
	kind := protocol.Kind(msg.Type)
	group := protocol.GroupOf(kind)
	if group == protocol.GroupUnknown {
		r.log.Warn("unknown message type", zap.String("type", msg.Type), zap.ByteString("data", msg.Data))
		return
	}

	if r.debug.Load() && !isStreamingChat(kind, msg.Data) {
		r.log.Debug("received",
			zap.String("type", msg.Type),
			zap.String("group", string(group)),
			zap.String("request_id", msg.RequestID),
			zap.ByteString("data", msg.Data))
	}

	if r.resolver != nil {
		r.resolver.Resolve(msg)
	}
	r.bus.Publish(msg.Type, msg.Data)
}

func isStreamingChat(kind protocol.Kind, data json.RawMessage) bool {
	return kind == protocol.Chat && protocol.Field(data, "status") == protocol.StatusStreaming
}
