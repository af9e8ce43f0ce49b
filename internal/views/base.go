package views

import (
	"errors"

	"github.com/EchoPBX/tradedesk/internal/protocol"
	"github.com/EchoPBX/tradedesk/pkg/sdk"
	"go.uber.org/zap"
)

var ErrNotInitialized = errors.New("views: view not initialised")

// base holds what every built-in view needs from its context.
type base struct {
	ctx sdk.Context
}

// send transmits a command if the connection is up. Commands issued while
// disconnected are dropped; views resend from their connect hook.
func (b *base) send(kind protocol.Kind, data any) bool {
	if b.ctx == nil {
		return false
	}
	if !b.ctx.Sender().IsConnected() {
		b.ctx.Log().Debug("not connected, request deferred", zap.Stringer("kind", kind))
		return false
	}
	msg, err := sdk.NewMessage(string(kind), data)
	if err != nil {
		b.ctx.Log().Error("encode request", zap.Stringer("kind", kind), zap.Error(err))
		return false
	}
	if err := b.ctx.Sender().Send(msg); err != nil {
		b.ctx.Log().Warn("request not sent", zap.Stringer("kind", kind), zap.Error(err))
		return false
	}
	return true
}
