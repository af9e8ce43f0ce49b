package views

import (
	"sync"

	"github.com/EchoPBX/tradedesk/internal/events"
	"github.com/EchoPBX/tradedesk/internal/protocol"
	"github.com/EchoPBX/tradedesk/pkg/sdk"
	"go.uber.org/zap"
)

type MetricsSnapshot struct {
	TotalPnL  *protocol.TotalPnL             `json:"total_pnl,omitempty"`
	Breakdown *protocol.TradeResultBreakdown `json:"trade_result_breakdown,omitempty"`
}

// Metrics keeps the latest portfolio summary figures.
type Metrics struct {
	base
	pnl       *events.Latest
	breakdown *events.Latest

	mu      sync.Mutex
	pnlSeq  uint64
	lastPnL *protocol.TotalPnL
}

func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) Init(ctx sdk.Context) error {
	m.ctx = ctx
	m.pnl = events.Watch(ctx.Bus(), string(protocol.TotalPnLKind))
	m.breakdown = events.Watch(ctx.Bus(), string(protocol.TradeResultBreakdownKind))
	ctx.OnConnect(m.Refresh)
	m.Refresh()
	return nil
}

// Refresh asks the backend for both figures.
func (m *Metrics) Refresh() {
	m.send(protocol.TotalPnLKind, nil)
	m.send(protocol.TradeResultBreakdownKind, nil)
}

func (m *Metrics) Snapshot() any {
	var s MetricsSnapshot
	if m.pnl == nil {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// A failed total_pnl reply keeps the last good figure on screen.
	p, seq, err := events.LatestAs[protocol.TotalPnL](m.pnl)
	if seq > m.pnlSeq {
		m.pnlSeq = seq
		switch {
		case err != nil:
			m.ctx.Log().Debug("skipping total_pnl", zap.Error(err))
		case p.Status == protocol.StatusSuccess:
			m.lastPnL = &p
		}
	}
	if m.lastPnL != nil {
		cp := *m.lastPnL
		s.TotalPnL = &cp
	}

	if b, seq, err := events.LatestAs[protocol.TradeResultBreakdown](m.breakdown); seq > 0 && err == nil {
		s.Breakdown = &b
	}
	return s
}

func (m *Metrics) Stop() error {
	if m.pnl != nil {
		m.pnl.Close()
		m.breakdown.Close()
	}
	return nil
}
