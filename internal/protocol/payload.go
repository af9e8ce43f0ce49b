package protocol

import "encoding/json"

// Reply status values used across kinds.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusStreaming = "streaming"
	StatusDone      = "done"
)

// ChartDataRequest asks for one page of candles. IndexOffset 0 is the most
// recent page; larger offsets walk back in time.
type ChartDataRequest struct {
	Symbol      string `json:"symbol"`
	Timeframe   string `json:"timeframe"`
	IndexOffset int    `json:"index_offset"`
}

// ChartDataReply answers get_chart_data and get_in_price_chart_data.
type ChartDataReply struct {
	Config ChartReplyConfig `json:"config"`
	Data   *ChartData       `json:"data"`
}

type ChartReplyConfig struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Offset    int    `json:"offset"`
}

type ChartData struct {
	Candles    []Candle        `json:"candles"`
	Indicators json.RawMessage `json:"indicators,omitempty"`
}

type Candle struct {
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Timestamp string  `json:"timestamp"`
}

// ChartConfigDeleted answers delete_chart_config and
// delete_in_price_chart_config.
type ChartConfigDeleted struct {
	Status         string     `json:"status"`
	DeletedConfigs []ChartKey `json:"deleted_configs"`
}

// ChatRequest sends one user turn.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	ImageURL  string `json:"image_url,omitempty"`
	FileURL   string `json:"file_url,omitempty"`
}

// ChatReply is one frame of an assistant answer. A turn arrives as any
// number of streaming frames followed by a done frame; tool_call and
// tool_result frames may be interleaved.
type ChatReply struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type,omitempty"`
	Status    string          `json:"status,omitempty"`
	Delta     string          `json:"delta,omitempty"`
	Message   string          `json:"message,omitempty"`
	ToolID    string          `json:"tool_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Content   string          `json:"content,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// IsToolEvent reports whether the frame describes a tool invocation.
func (r ChatReply) IsToolEvent() bool {
	return r.Type == "tool_call" || r.Type == "tool_result"
}

type ChatMessage struct {
	Role       string      `json:"role"`
	Content    string      `json:"content"`
	ImageURL   string      `json:"image_url,omitempty"`
	FileURL    string      `json:"file_url,omitempty"`
	ToolEvents []ChatReply `json:"tool_events,omitempty"`
}

type ChatHistoryRequest struct {
	SessionID string `json:"session_id"`
}

type ChatHistoryReply struct {
	Status    string        `json:"status"`
	SessionID string        `json:"session_id"`
	History   []ChatMessage `json:"history"`
}

type TotalPnL struct {
	Status string `json:"status"`
	PnL    struct {
		Percent   float64 `json:"percent"`
		Amount    float64 `json:"amount"`
		PnLStatus string  `json:"pnl_status"`
	} `json:"pnl"`
	TotalEntryCapital float64 `json:"total_entry_capital"`
	TotalExitCapital  float64 `json:"total_exit_capital"`
}

type TradeResultBreakdown struct {
	Profitable    int `json:"profitable"`
	NonProfitable int `json:"non_profitable"`
}

type HistoryTradesRequest struct {
	Symbols    []string `json:"symbols"`
	Timeframes []string `json:"timeframes"`
	StartDate  string   `json:"start_date"`
	EndDate    string   `json:"end_date"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
}

type HistoryTradesReply struct {
	Status     string        `json:"status"`
	Trades     []TradeRecord `json:"trades"`
	Page       int           `json:"page"`
	TotalPages int           `json:"total_pages"`
}

type TradeRecord struct {
	Symbol           string  `json:"symbol"`
	Timeframe        string  `json:"timeframe"`
	InitialCapital   float64 `json:"initial_capital"`
	StopLoss         float64 `json:"stop_loss"`
	TakeProfit       float64 `json:"take_profit"`
	EntryTime        string  `json:"entry_time"`
	EndTime          string  `json:"end_time"`
	ExitCapital      float64 `json:"exit_capital"`
	Remarks          string  `json:"remarks"`
	OBTimestamp      string  `json:"ob_timestamp"`
	ImpulseThreshold float64 `json:"impulse_threshold"`
	ImpulseWindow    int     `json:"impulse_window"`
	Result           string  `json:"result"`
}

// ActiveTradesRequest asks for the open trades logged on one chart.
type ActiveTradesRequest struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

type ActiveTradesReply struct {
	Status string        `json:"status"`
	Trades []ActiveTrade `json:"trades"`
}

// ActiveTrade is a trade logged against an order block and not yet exited.
// The backend spells impulse_threhold without the s.
type ActiveTrade struct {
	Symbol           string  `json:"symbol"`
	Timeframe        string  `json:"timeframe"`
	InitialCapital   float64 `json:"initial_capital"`
	EntryTime        string  `json:"entry_time"`
	EntryPrice       float64 `json:"entry_price,omitempty"`
	StopLoss         float64 `json:"stop_loss"`
	TakeProfit       float64 `json:"take_profit"`
	Remarks          string  `json:"remarks"`
	OBTimestamp      string  `json:"ob_timestamp"`
	ImpulseThreshold float64 `json:"impulse_threhold"`
	ImpulseWindow    int     `json:"impulse_window"`
}

// TradeLog opens a trade (log_trade_data).
type TradeLog struct {
	Symbol           string  `json:"symbol"`
	Timeframe        string  `json:"timeframe"`
	ImpulseThreshold float64 `json:"impulse_threshold"`
	ImpulseWindow    int     `json:"impulse_window"`
	InitialCapital   float64 `json:"initial_capital"`
	EntryTime        string  `json:"entry_time"` // YYYY-MM-DD HH:mm
	EntryPrice       float64 `json:"entry_price"`
	TakeProfit       float64 `json:"take_profit"`
	StopLoss         float64 `json:"stop_loss"`
	Remarks          string  `json:"remarks"`
	OBTimestamp      string  `json:"ob_timestamp"`
}

// TradeExit closes an active trade (end_trade_task).
type TradeExit struct {
	ActiveTrade
	ExitCapital float64 `json:"exit_capital"`
	EndTime     string  `json:"end_time"`
}

// Confirmation is the status-only reply to a write command.
type Confirmation struct {
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	OBTimestamp string `json:"ob_timestamp,omitempty"`
}

// PageMeta is the paging block of backtest report replies.
type PageMeta struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
	TotalItems int `json:"total_items"`
}

type BacktestReportsRequest struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

type BacktestReportsReply struct {
	Status  string            `json:"status,omitempty"`
	Reports []json.RawMessage `json:"reports"`
	Meta    *PageMeta         `json:"meta,omitempty"`
}

// BacktestReportRequest fetches one page of a saved report's trades, or
// deletes the report when sent as delete_backtest_report.
type BacktestReportRequest struct {
	Key      string `json:"key"`
	Page     int    `json:"page,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
}

// BacktestReport is a saved or freshly run report. Config, metrics and
// trade rows are kept raw.
type BacktestReport struct {
	Status  string          `json:"status"`
	Config  json.RawMessage `json:"config,omitempty"`
	Metrics json.RawMessage `json:"metrics,omitempty"`
	Trades  json.RawMessage `json:"trades,omitempty"`
	Meta    *PageMeta       `json:"meta,omitempty"`
}

// BacktestStatus is a progress line of a running backtest.
type BacktestStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
