package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EchoPBX/tradedesk/pkg/sdk"
)

// legacyBackend answers every command with frames that carry no request id.
func legacyBackend(pending *Pending, frames func(sdk.Message) []sdk.Message) *fakeSender {
	return &fakeSender{connected: true, onSend: func(m sdk.Message) {
		for _, f := range frames(m) {
			pending.Resolve(f)
		}
	}}
}

func frame(kind, data string) sdk.Message {
	return sdk.Message{Type: kind, Data: json.RawMessage(data)}
}

func doPolicy(t *testing.T, r *Requester, kind, data string, extra ...Option) (sdk.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	opts := append(Policy(kind, json.RawMessage(data)), extra...)
	return r.Do(ctx, kind, json.RawMessage(data), opts...)
}

func TestPolicy_ChartMatchesOnConfig(t *testing.T) {
	pending := NewPending()
	sender := legacyBackend(pending, func(sdk.Message) []sdk.Message {
		return []sdk.Message{
			frame("get_chart_data", `{"config":{"symbol":"ETHUSDT","timeframe":"1h","offset":0},"data":{"candles":[]}}`),
			frame("get_chart_data", `{"config":{"symbol":"BTCUSDT","timeframe":"1h","offset":0},"data":{"candles":[]}}`),
		}
	})
	r := NewRequester(sender, pending)

	reply, err := doPolicy(t, r, "get_chart_data", `{"symbol":"BTCUSDT","timeframe":"1h","index_offset":0}`)
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	if got := string(reply.Data); got != `{"config":{"symbol":"BTCUSDT","timeframe":"1h","offset":0},"data":{"candles":[]}}` {
		t.Errorf("resolved with the wrong chart: %s", got)
	}
	if pending.Len() != 0 {
		t.Error("request left pending")
	}
}

func TestPolicy_ChatWaitsForDone(t *testing.T) {
	pending := NewPending()
	sender := legacyBackend(pending, func(sdk.Message) []sdk.Message {
		return []sdk.Message{
			frame("chat", `{"session_id":"other","status":"done","message":"nope"}`),
			frame("chat", `{"session_id":"s1","status":"streaming","delta":"BTC "}`),
			frame("chat", `{"session_id":"s1","status":"streaming","delta":"is up"}`),
			frame("chat", `{"session_id":"s1","status":"done","message":"BTC is up"}`),
		}
	})
	r := NewRequester(sender, pending)

	var deltas atomic.Int32
	reply, err := doPolicy(t, r, "chat", `{"session_id":"s1","message":"price?"}`,
		WithProgress(func(sdk.Message) { deltas.Add(1) }))
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	if got := string(reply.Data); got != `{"session_id":"s1","status":"done","message":"BTC is up"}` {
		t.Errorf("final reply %s", got)
	}
	if deltas.Load() != 2 {
		t.Errorf("expected 2 streamed frames, got %d", deltas.Load())
	}
}

func TestPolicy_BacktestAcrossKinds(t *testing.T) {
	pending := NewPending()
	sender := legacyBackend(pending, func(sdk.Message) []sdk.Message {
		return []sdk.Message{
			frame("backtest_orderblock_status", `{"status":"running","message":"fetching candles"}`),
			frame("backtest_orderblock_status", `{"status":"running","message":"scanning"}`),
			frame("backtest_orderblocks", `{"status":"success","metrics":{"total_obs":3}}`),
		}
	})
	r := NewRequester(sender, pending)

	var steps []string
	reply, err := doPolicy(t, r, "backtest_orderblock", `{"symbol":"BTCUSDT","timeframe":"4h"}`,
		WithProgress(func(m sdk.Message) { steps = append(steps, m.Type) }))
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	if reply.Type != "backtest_orderblocks" {
		t.Errorf("final reply type %q", reply.Type)
	}
	if len(steps) != 2 || steps[0] != "backtest_orderblock_status" {
		t.Errorf("progress %v", steps)
	}
}

func TestPolicy_ReportPageReplyKind(t *testing.T) {
	pending := NewPending()
	sender := legacyBackend(pending, func(sdk.Message) []sdk.Message {
		return []sdk.Message{
			frame("fetch_backtest_report", `{"status":"success","meta":{"page":1}}`),
			frame("fetch_backtest_report", `{"status":"success","meta":{"page":2}}`),
		}
	})
	r := NewRequester(sender, pending)

	reply, err := doPolicy(t, r, "fetch_backtest_report_data", `{"key":"r1","page":2,"page_size":10}`)
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	if reply.Type != "fetch_backtest_report" || string(reply.Data) != `{"status":"success","meta":{"page":2}}` {
		t.Errorf("reply %s %s", reply.Type, reply.Data)
	}
}

func TestPolicy_ErrorFrameEndsStream(t *testing.T) {
	pending := NewPending()
	sender := &fakeSender{connected: true}
	sender.onSend = func(m sdk.Message) {
		pending.Resolve(sdk.Message{Type: "error", RequestID: m.RequestID, Data: json.RawMessage(`{"detail":"boom"}`)})
	}
	r := NewRequester(sender, pending)

	_, err := doPolicy(t, r, "chat", `{"session_id":"s1","message":"hi"}`)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
}
