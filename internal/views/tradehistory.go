package views

import (
	"errors"
	"sync"

	"github.com/EchoPBX/tradedesk/internal/events"
	"github.com/EchoPBX/tradedesk/internal/protocol"
	"github.com/EchoPBX/tradedesk/pkg/sdk"
)

const defaultHistoryPageSize = 10

type TradeHistoryConfig struct {
	Symbols    []string `yaml:"symbols"`
	Timeframes []string `yaml:"timeframes"`
	StartDate  string   `yaml:"start_date"` // YYYY-MM-DD
	EndDate    string   `yaml:"end_date"`
	PageSize   int      `yaml:"page_size"`
}

type TradeHistorySnapshot struct {
	Filter     protocol.HistoryTradesRequest `json:"filter"`
	Trades     []protocol.TradeRecord        `json:"trades"`
	Page       int                           `json:"page"`
	TotalPages int                           `json:"total_pages"`
	Loading    bool                          `json:"loading"`
}

// TradeHistory shows one page of closed trades under a filter.
type TradeHistory struct {
	base

	mu         sync.Mutex
	filter     protocol.HistoryTradesRequest
	trades     []protocol.TradeRecord
	totalPages int
	loading    bool
}

func NewTradeHistory() *TradeHistory { return &TradeHistory{} }

func (t *TradeHistory) Init(ctx sdk.Context) error {
	var cfg TradeHistoryConfig
	if err := decodeConfig(ctx.Config(), &cfg); err != nil {
		return err
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultHistoryPageSize
	}
	t.ctx = ctx
	t.filter = protocol.HistoryTradesRequest{
		Symbols:    orEmpty(cfg.Symbols),
		Timeframes: orEmpty(cfg.Timeframes),
		StartDate:  cfg.StartDate,
		EndDate:    cfg.EndDate,
		Page:       1,
		PageSize:   cfg.PageSize,
	}
	events.SubscribeAs(ctx.Bus(), ctx.Log(), string(protocol.GetHistoryTrades), t.onReply)
	ctx.OnConnect(func() { t.request() })
	t.request()
	return nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// request sends the current filter. Without a date range nothing is asked.
func (t *TradeHistory) request() {
	t.mu.Lock()
	f := t.filter
	t.mu.Unlock()
	if f.StartDate == "" || f.EndDate == "" {
		return
	}
	if t.send(protocol.GetHistoryTrades, f) {
		t.mu.Lock()
		t.loading = true
		t.mu.Unlock()
	}
}

// SetFilter replaces the filter and reloads page 1.
func (t *TradeHistory) SetFilter(symbols, timeframes []string, start, end string) error {
	if t.ctx == nil {
		return ErrNotInitialized
	}
	t.mu.Lock()
	t.filter.Symbols = orEmpty(symbols)
	t.filter.Timeframes = orEmpty(timeframes)
	t.filter.StartDate = start
	t.filter.EndDate = end
	t.filter.Page = 1
	t.mu.Unlock()
	t.request()
	return nil
}

// GoTo loads the given 1-based page under the current filter.
func (t *TradeHistory) GoTo(page int) error {
	if t.ctx == nil {
		return ErrNotInitialized
	}
	if page < 1 {
		return errors.New("trade history: page must be >= 1")
	}
	t.mu.Lock()
	t.filter.Page = page
	t.mu.Unlock()
	t.request()
	return nil
}

func (t *TradeHistory) onReply(r protocol.HistoryTradesReply) {
	if r.Status != protocol.StatusSuccess || r.Trades == nil {
		return
	}
	t.mu.Lock()
	t.trades = append([]protocol.TradeRecord(nil), r.Trades...)
	t.filter.Page = r.Page
	t.totalPages = r.TotalPages
	t.loading = false
	t.mu.Unlock()
}

func (t *TradeHistory) Snapshot() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.filter
	f.Symbols = append([]string{}, f.Symbols...)
	f.Timeframes = append([]string{}, f.Timeframes...)
	return TradeHistorySnapshot{
		Filter:     f,
		Trades:     append([]protocol.TradeRecord(nil), t.trades...),
		Page:       t.filter.Page,
		TotalPages: t.totalPages,
		Loading:    t.loading,
	}
}

func (t *TradeHistory) Stop() error { return nil }
