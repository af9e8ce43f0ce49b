package views

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/EchoPBX/tradedesk/internal/events"
	"github.com/EchoPBX/tradedesk/internal/protocol"
	"github.com/EchoPBX/tradedesk/internal/rpc"
	"github.com/EchoPBX/tradedesk/pkg/sdk"
	"go.uber.org/zap"
)

var ErrUnknownTrade = errors.New("views: no such active trade")

type ActiveTradesConfig struct {
	Symbol    string `yaml:"symbol"`
	Timeframe string `yaml:"timeframe"`
}

type ActiveTradesSnapshot struct {
	Symbol    string                 `json:"symbol"`
	Timeframe string                 `json:"timeframe"`
	Trades    []protocol.ActiveTrade `json:"trades"`
	Loading   bool                   `json:"loading"`
}

// ActiveTrades lists the open trades logged on one chart and opens or
// closes them.
type ActiveTrades struct {
	base
	pending *rpc.Pending
	req     *rpc.Requester

	mu      sync.Mutex
	key     protocol.ChartKey
	trades  []protocol.ActiveTrade
	loading bool
}

func NewActiveTrades() *ActiveTrades { return &ActiveTrades{} }

func (a *ActiveTrades) Init(ctx sdk.Context) error {
	var cfg ActiveTradesConfig
	if err := decodeConfig(ctx.Config(), &cfg); err != nil {
		return err
	}
	if cfg.Symbol == "" || cfg.Timeframe == "" {
		return errors.New("active trades: symbol and timeframe are required")
	}
	a.ctx = ctx
	a.key = protocol.ChartKey{Symbol: cfg.Symbol, Timeframe: cfg.Timeframe}
	a.pending = rpc.NewPending()
	a.req = rpc.NewRequester(ctx.Sender(), a.pending)

	for _, k := range []protocol.Kind{protocol.LogTradeData, protocol.EndTradeTask} {
		kind := string(k)
		ctx.Bus().Subscribe(kind, func(p json.RawMessage) {
			a.pending.Resolve(sdk.Message{Type: kind, Data: p})
		})
	}
	events.SubscribeAs(ctx.Bus(), ctx.Log(), string(protocol.GetActiveTrades), a.onTrades)
	ctx.OnConnect(a.Refresh)
	a.Refresh()
	return nil
}

// Refresh asks for the open trades of the view's chart.
func (a *ActiveTrades) Refresh() {
	if a.send(protocol.GetActiveTrades, protocol.ActiveTradesRequest{Symbol: a.key.Symbol, Timeframe: a.key.Timeframe}) {
		a.mu.Lock()
		a.loading = true
		a.mu.Unlock()
	}
}

// Log opens a trade on the view's chart and returns the order-block
// timestamp the backend filed it under.
func (a *ActiveTrades) Log(ctx context.Context, t protocol.TradeLog) (string, error) {
	if a.ctx == nil {
		return "", ErrNotInitialized
	}
	t.Symbol, t.Timeframe = a.key.Symbol, a.key.Timeframe
	c, err := a.confirm(ctx, protocol.LogTradeData, t)
	if err != nil {
		return "", err
	}
	return c.OBTimestamp, nil
}

// Exit closes the active trade filed under obTimestamp.
func (a *ActiveTrades) Exit(ctx context.Context, obTimestamp string, exitCapital float64, endTime string) error {
	if a.ctx == nil {
		return ErrNotInitialized
	}
	a.mu.Lock()
	var found *protocol.ActiveTrade
	for i := range a.trades {
		if a.trades[i].OBTimestamp == obTimestamp {
			t := a.trades[i]
			found = &t
			break
		}
	}
	a.mu.Unlock()
	if found == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTrade, obTimestamp)
	}
	_, err := a.confirm(ctx, protocol.EndTradeTask, protocol.TradeExit{
		ActiveTrade: *found,
		ExitCapital: exitCapital,
		EndTime:     endTime,
	})
	return err
}

// confirm sends a write command, waits for its status reply and reloads
// the list on success.
func (a *ActiveTrades) confirm(ctx context.Context, kind protocol.Kind, data any) (protocol.Confirmation, error) {
	var c protocol.Confirmation
	reply, err := a.req.Do(ctx, string(kind), data, rpc.Policy(string(kind), nil)...)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(reply.Data, &c); err != nil {
		return c, err
	}
	if c.Status != protocol.StatusSuccess {
		return c, fmt.Errorf("%s: status %q %s", kind, c.Status, c.Message)
	}
	a.ctx.Log().Info("trade updated", zap.Stringer("kind", kind), zap.Stringer("chart", a.key))
	a.Refresh()
	return c, nil
}

func (a *ActiveTrades) onTrades(r protocol.ActiveTradesReply) {
	if r.Status != protocol.StatusSuccess {
		return
	}
	var mine []protocol.ActiveTrade
	for _, t := range r.Trades {
		if t.Symbol == a.key.Symbol && t.Timeframe == a.key.Timeframe {
			mine = append(mine, t)
		}
	}
	a.mu.Lock()
	a.trades = mine
	a.loading = false
	a.mu.Unlock()
}

func (a *ActiveTrades) Snapshot() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ActiveTradesSnapshot{
		Symbol:    a.key.Symbol,
		Timeframe: a.key.Timeframe,
		Trades:    append([]protocol.ActiveTrade{}, a.trades...),
		Loading:   a.loading,
	}
}

func (a *ActiveTrades) Stop() error { return nil }
