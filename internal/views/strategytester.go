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

var ErrBacktestRunning = errors.New("views: a backtest is already running")

const defaultReportPageSize = 10

type StrategyTesterConfig struct {
	PageSize int `yaml:"page_size"`
}

type StrategyTesterSnapshot struct {
	Reports  []json.RawMessage        `json:"reports"`
	Meta     *protocol.PageMeta       `json:"meta,omitempty"`
	Selected string                   `json:"selected,omitempty"`
	Report   *protocol.BacktestReport `json:"report,omitempty"`
	Running  bool                     `json:"running"`
	Status   string                   `json:"status,omitempty"`
	Message  string                   `json:"message,omitempty"`
	Result   json.RawMessage          `json:"result,omitempty"`
}

// StrategyTester runs order-block backtests and browses saved reports.
//
// Backtest progress and results come back under their own kinds without a
// request id, so the view keeps a private pending table fed from the bus
// and lets rpc.Policy tie them to the run in flight.
type StrategyTester struct {
	base
	pending  *rpc.Pending
	req      *rpc.Requester
	pageSize int

	mu       sync.Mutex
	page     int
	reports  []json.RawMessage
	meta     *protocol.PageMeta
	selected string
	report   *protocol.BacktestReport
	running  bool
	status   string
	message  string
	result   json.RawMessage
}

func NewStrategyTester() *StrategyTester { return &StrategyTester{} }

func (s *StrategyTester) Init(ctx sdk.Context) error {
	var cfg StrategyTesterConfig
	if err := decodeConfig(ctx.Config(), &cfg); err != nil {
		return err
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultReportPageSize
	}
	s.ctx = ctx
	s.pageSize = cfg.PageSize
	s.page = 1
	s.pending = rpc.NewPending()
	s.req = rpc.NewRequester(ctx.Sender(), s.pending)

	for _, k := range []protocol.Kind{
		protocol.BacktestOrderblockStatus,
		protocol.BacktestOrderblocks,
		protocol.DeleteBacktestReport,
	} {
		kind := string(k)
		ctx.Bus().Subscribe(kind, func(p json.RawMessage) {
			s.pending.Resolve(sdk.Message{Type: kind, Data: p})
		})
	}
	events.SubscribeAs(ctx.Bus(), ctx.Log(), string(protocol.FetchBacktestReports), s.onReports)
	events.SubscribeAs(ctx.Bus(), ctx.Log(), string(protocol.FetchBacktestReport), s.onReport)
	ctx.OnConnect(s.refresh)
	s.refresh()
	return nil
}

func (s *StrategyTester) refresh() {
	s.mu.Lock()
	page := s.page
	s.mu.Unlock()
	s.send(protocol.FetchBacktestReports, protocol.BacktestReportsRequest{Page: page, PageSize: s.pageSize})
}

// Page loads the given 1-based page of saved reports.
func (s *StrategyTester) Page(n int) error {
	if s.ctx == nil {
		return ErrNotInitialized
	}
	if n < 1 {
		return errors.New("strategy tester: page must be >= 1")
	}
	s.mu.Lock()
	s.page = n
	s.mu.Unlock()
	s.refresh()
	return nil
}

// Run starts a backtest with params and blocks until its result arrives or
// ctx ends. Status lines received meanwhile show up in the snapshot.
func (s *StrategyTester) Run(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	if s.ctx == nil {
		return nil, ErrNotInitialized
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrBacktestRunning
	}
	s.running = true
	s.status, s.message, s.result = "", "", nil
	s.mu.Unlock()

	kind := string(protocol.BacktestOrderblock)
	opts := append(rpc.Policy(kind, params), rpc.WithProgress(s.onStatus))
	reply, err := s.req.Do(ctx, kind, params, opts...)

	s.mu.Lock()
	s.running = false
	if err != nil {
		s.status, s.message = protocol.StatusError, err.Error()
		s.mu.Unlock()
		return nil, err
	}
	s.status = protocol.Field(reply.Data, "status")
	s.result = reply.Data
	s.mu.Unlock()

	if s.status == protocol.StatusError {
		return reply.Data, fmt.Errorf("backtest failed: %s", protocol.Field(reply.Data, "message"))
	}
	s.ctx.Log().Info("backtest finished", zap.String("symbol", protocol.Field(params, "symbol")))
	s.refresh()
	return reply.Data, nil
}

func (s *StrategyTester) onStatus(m sdk.Message) {
	var st protocol.BacktestStatus
	if err := json.Unmarshal(m.Data, &st); err != nil {
		s.ctx.Log().Debug("skipping backtest status", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.status, s.message = st.Status, st.Message
	s.mu.Unlock()
}

// Open asks for one page of a saved report's trades.
func (s *StrategyTester) Open(key string, page int) error {
	if s.ctx == nil {
		return ErrNotInitialized
	}
	if key == "" {
		return errors.New("strategy tester: report key is required")
	}
	if page < 1 {
		page = 1
	}
	s.mu.Lock()
	if s.selected != key {
		s.report = nil
	}
	s.selected = key
	s.mu.Unlock()
	s.send(protocol.FetchBacktestReportData, protocol.BacktestReportRequest{Key: key, Page: page, PageSize: s.pageSize})
	return nil
}

// Delete removes a saved report and reloads the list.
func (s *StrategyTester) Delete(ctx context.Context, key string) error {
	if s.ctx == nil {
		return ErrNotInitialized
	}
	kind := string(protocol.DeleteBacktestReport)
	req := protocol.BacktestReportRequest{Key: key}
	data, _ := json.Marshal(req)
	reply, err := s.req.Do(ctx, kind, req, rpc.Policy(kind, data)...)
	if err != nil {
		return err
	}
	if st := protocol.Field(reply.Data, "status"); st != protocol.StatusSuccess {
		return fmt.Errorf("delete report %s: status %q", key, st)
	}
	s.mu.Lock()
	if s.selected == key {
		s.selected, s.report = "", nil
	}
	s.mu.Unlock()
	s.refresh()
	return nil
}

func (s *StrategyTester) onReports(r protocol.BacktestReportsReply) {
	if r.Status == protocol.StatusError || r.Reports == nil {
		return
	}
	s.mu.Lock()
	s.reports = append([]json.RawMessage(nil), r.Reports...)
	s.meta = r.Meta
	if r.Meta != nil && r.Meta.Page > 0 {
		s.page = r.Meta.Page
	}
	s.mu.Unlock()
}

func (s *StrategyTester) onReport(r protocol.BacktestReport) {
	if r.Status != protocol.StatusSuccess {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == "" {
		return
	}
	s.report = &r
}

func (s *StrategyTester) Snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StrategyTesterSnapshot{
		Reports:  append([]json.RawMessage{}, s.reports...),
		Selected: s.selected,
		Running:  s.running,
		Status:   s.status,
		Message:  s.message,
		Result:   s.result,
	}
	if s.meta != nil {
		m := *s.meta
		snap.Meta = &m
	}
	if s.report != nil {
		r := *s.report
		snap.Report = &r
	}
	return snap
}

func (s *StrategyTester) Stop() error { return nil }
