package rpc

import (
	"encoding/json"

	"github.com/EchoPBX/tradedesk/internal/protocol"
	"github.com/EchoPBX/tradedesk/pkg/sdk"
)

// Policy returns the options that tie a command of kind to its reply when
// the backend answers by type and payload fields instead of echoing
// request_id. data is the outgoing payload. Kinds without a correlating
// field fall back to the oldest waiting request of that kind.
func Policy(kind string, data json.RawMessage) []Option {
	switch protocol.Kind(kind) {
	case protocol.GetChartData, protocol.GetInPriceChartData:
		want := map[string]string{
			"config.symbol":    protocol.Field(data, "symbol"),
			"config.timeframe": protocol.Field(data, "timeframe"),
		}
		if off := protocol.Field(data, "index_offset"); off != "" {
			want["config.offset"] = off
		}
		return []Option{WithMatch(fields(want))}

	case protocol.Chat:
		return []Option{
			WithMatch(fields(map[string]string{"session_id": protocol.Field(data, "session_id")})),
			WithDone(chatDone),
		}

	case protocol.GetChatHistory, protocol.DeleteChatSession:
		return []Option{WithMatch(fields(map[string]string{"session_id": protocol.Field(data, "session_id")}))}

	case protocol.GetActiveTrades:
		return []Option{WithMatch(present(map[string]string{
			"symbol":    protocol.Field(data, "symbol"),
			"timeframe": protocol.Field(data, "timeframe"),
		}))}

	case protocol.FetchBacktestReports, protocol.BacktestMultiReports, protocol.GetHistoryTrades:
		return []Option{WithMatch(pageOf(kind, data))}

	case protocol.FetchBacktestReportData:
		return []Option{
			WithReplyKinds(string(protocol.FetchBacktestReport)),
			WithMatch(pageOf(kind, data)),
			WithDone(typeIs(protocol.FetchBacktestReport)),
		}

	case protocol.BacktestOrderblock:
		return []Option{
			WithReplyKinds(string(protocol.BacktestOrderblockStatus), string(protocol.BacktestOrderblocks)),
			WithMatch(anyReply),
			WithDone(typeIs(protocol.BacktestOrderblocks)),
		}

	case protocol.MultiBacktestOrderblocks:
		return []Option{
			WithReplyKinds(string(protocol.BacktestOrderblockStatus)),
			WithMatch(anyReply),
			WithDone(typeIs(protocol.MultiBacktestOrderblocks)),
		}
	}
	return []Option{WithMatch(anyReply)}
}

func anyReply(sdk.Message) bool { return true }

func fields(want map[string]string) MatchFunc {
	return func(m sdk.Message) bool { return protocol.FieldsMatch(m.Data, want) }
}

// present matches like fields but only checks paths the reply carries.
func present(want map[string]string) MatchFunc {
	return func(m sdk.Message) bool {
		for path, v := range want {
			if got := protocol.Field(m.Data, path); got != "" && v != "" && got != v {
				return false
			}
		}
		return true
	}
}

func pageOf(kind string, data json.RawMessage) MatchFunc {
	page := protocol.Field(data, "page")
	if page == "" {
		return anyReply
	}
	path := "meta.page"
	if protocol.Kind(kind) == protocol.GetHistoryTrades {
		path = "page"
	}
	return present(map[string]string{path: page})
}

func typeIs(k protocol.Kind) func(sdk.Message) bool {
	return func(m sdk.Message) bool { return m.Type == string(k) }
}

func chatDone(m sdk.Message) bool {
	switch protocol.Field(m.Data, "status") {
	case protocol.StatusDone, protocol.StatusError:
		return true
	}
	return false
}
