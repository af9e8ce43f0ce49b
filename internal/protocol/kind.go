package protocol

import "sort"

// Kind names both an outbound command and the inbound event that answers it.
type Kind string

// Portfolio
const (
	WalletBalance    Kind = "wallet_balance"
	TradeHistory     Kind = "trade_history"
	PnLInfo          Kind = "p&l_info"
	InvestedHoldings Kind = "invested_holdings"
	InvestedAmount   Kind = "invested_amount"
)

// Suggestions
const (
	Suggestion         Kind = "suggestion"
	GetSuggestions     Kind = "get_suggestions"
	InPriceSuggestions Kind = "in_price_suggestions"
)

// Subscriptions
const (
	Unsubscribe      Kind = "unsubscribe"
	Track            Kind = "track"
	Subscribed       Kind = "subscribed"
	ActiveTrades     Kind = "active_trades"
	AutoManualStatus Kind = "auto_manual_status"
)

// Parameters
const (
	GetParameters    Kind = "get_parameters"
	UpdateParameters Kind = "update_parameters"
)

// Signal logs
const (
	GetSuccessLogs   Kind = "get_success_logs"
	GetFailureLogs   Kind = "get_failure_logs"
	GetAllSignalLogs Kind = "get_all_signal_logs"
)

// Charts
const (
	CreateChartConfig        Kind = "create_chart_config"
	GetChartConfig           Kind = "get_chart_config"
	UpdateChartConfig        Kind = "update_chart_config"
	DeleteChartConfig        Kind = "delete_chart_config"
	GetChartData             Kind = "get_chart_data"
	CreateInPriceChartConfig Kind = "create_in_price_chart_config"
	GetInPriceChartConfig    Kind = "get_in_price_chart_config"
	UpdateInPriceChartConfig Kind = "update_in_price_chart_config"
	DeleteInPriceChartConfig Kind = "delete_in_price_chart_config"
	GetInPriceChartData      Kind = "get_in_price_chart_data"
)

// Trade logging
const (
	LogTradeData     Kind = "log_trade_data"
	GetActiveTrades  Kind = "get_active_trades"
	EndTradeTask     Kind = "end_trade_task"
	PlotTradeHistory Kind = "plot_trade_history"
	GetHistoryTrades Kind = "get_history_trades"
)

// Chat
const (
	GetAllSessions      Kind = "get_all_sessions"
	GetChatHistory      Kind = "get_chat_history"
	Chat                Kind = "chat"
	CreateChatSessionID Kind = "create_chat_session_id"
	DeleteChatSession   Kind = "delete_chat_session"
	UploadImage         Kind = "upload_image"
	DeleteImage         Kind = "delete_image"
)

// Metrics
const (
	TradeResultBreakdownKind Kind = "trade_result_breakdown"
	TotalPnLKind             Kind = "total_pnl"
)

// Strategy tester and agent
const (
	BacktestOrderblock       Kind = "backtest_orderblock"
	BacktestOrderblocks      Kind = "backtest_orderblocks"
	BacktestOrderblockStatus Kind = "backtest_orderblock_status"
	FetchBacktestReports     Kind = "fetch_backtest_reports"
	FetchBacktestReport      Kind = "fetch_backtest_report"
	FetchBacktestReportData  Kind = "fetch_backtest_report_data"
	DeleteBacktestReport     Kind = "delete_backtest_report"
	FilterBacktestReport     Kind = "filter_backtest_report"
	GetCandlesAroundOB       Kind = "get_candles_around_ob"
	MultiBacktestOrderblocks Kind = "multi_backtest_orderblocks"
	BacktestMultiReports     Kind = "backtest_multi_reports"
	LoadMultiBacktestReport  Kind = "load_multi_backtest_report"
	MultiBacktestReportSaved Kind = "multi_backtest_report_saved"
)

const Error Kind = "error"

// Group is the feature area a kind belongs to.
type Group string

const (
	GroupUnknown    Group = ""
	GroupPortfolio  Group = "portfolio"
	GroupSuggestion Group = "suggestion"
	GroupTracking   Group = "subscription"
	GroupParameters Group = "parameters"
	GroupSignalLogs Group = "signal_logs"
	GroupCharts     Group = "charts"
	GroupTradeLogs  Group = "trade_logs"
	GroupChat       Group = "chat"
	GroupMetrics    Group = "metrics"
	GroupBacktest   Group = "backtest"
	GroupError      Group = "error"
)

// GroupOf maps every known kind to its group. Unknown kinds map to
// GroupUnknown.
func GroupOf(k Kind) Group {
	switch k {
	case WalletBalance, TradeHistory, PnLInfo, InvestedHoldings, InvestedAmount:
		return GroupPortfolio
	case Suggestion, GetSuggestions, InPriceSuggestions:
		return GroupSuggestion
	case Unsubscribe, Track, Subscribed, ActiveTrades, AutoManualStatus:
		return GroupTracking
	case GetParameters, UpdateParameters:
		return GroupParameters
	case GetSuccessLogs, GetFailureLogs, GetAllSignalLogs:
		return GroupSignalLogs
	case CreateChartConfig, GetChartConfig, UpdateChartConfig, DeleteChartConfig, GetChartData,
		CreateInPriceChartConfig, GetInPriceChartConfig, UpdateInPriceChartConfig,
		DeleteInPriceChartConfig, GetInPriceChartData:
		return GroupCharts
	case LogTradeData, GetActiveTrades, EndTradeTask, PlotTradeHistory, GetHistoryTrades:
		return GroupTradeLogs
	case GetAllSessions, GetChatHistory, Chat, CreateChatSessionID, DeleteChatSession,
		UploadImage, DeleteImage:
		return GroupChat
	case TradeResultBreakdownKind, TotalPnLKind:
		return GroupMetrics
	case BacktestOrderblock, BacktestOrderblocks, BacktestOrderblockStatus,
		FetchBacktestReports, FetchBacktestReport, FetchBacktestReportData,
		DeleteBacktestReport, FilterBacktestReport, GetCandlesAroundOB,
		MultiBacktestOrderblocks, BacktestMultiReports, LoadMultiBacktestReport,
		MultiBacktestReportSaved:
		return GroupBacktest
	case Error:
		return GroupError
	default:
		return GroupUnknown
	}
}

var allKinds = []Kind{
	WalletBalance, TradeHistory, PnLInfo, InvestedHoldings, InvestedAmount,
	Suggestion, GetSuggestions, InPriceSuggestions,
	Unsubscribe, Track, Subscribed, ActiveTrades, AutoManualStatus,
	GetParameters, UpdateParameters,
	GetSuccessLogs, GetFailureLogs, GetAllSignalLogs,
	CreateChartConfig, GetChartConfig, UpdateChartConfig, DeleteChartConfig, GetChartData,
	CreateInPriceChartConfig, GetInPriceChartConfig, UpdateInPriceChartConfig,
	DeleteInPriceChartConfig, GetInPriceChartData,
	LogTradeData, GetActiveTrades, EndTradeTask, PlotTradeHistory, GetHistoryTrades,
	GetAllSessions, GetChatHistory, Chat, CreateChatSessionID, DeleteChatSession,
	UploadImage, DeleteImage,
	TradeResultBreakdownKind, TotalPnLKind,
	BacktestOrderblock, BacktestOrderblocks, BacktestOrderblockStatus,
	FetchBacktestReports, FetchBacktestReport, FetchBacktestReportData,
	DeleteBacktestReport, FilterBacktestReport, GetCandlesAroundOB,
	MultiBacktestOrderblocks, BacktestMultiReports, LoadMultiBacktestReport,
	MultiBacktestReportSaved,
	Error,
}

// Known reports whether k is on the allow-list.
func Known(k Kind) bool { return GroupOf(k) != GroupUnknown }

// Kinds returns the allow-list, sorted.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (k Kind) String() string { return string(k) }
