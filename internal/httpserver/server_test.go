package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EchoPBX/tradedesk/internal/auth"
	"github.com/EchoPBX/tradedesk/internal/config"
	"github.com/EchoPBX/tradedesk/internal/events"
	"github.com/EchoPBX/tradedesk/internal/rpc"
	"github.com/EchoPBX/tradedesk/internal/session"
	"github.com/EchoPBX/tradedesk/internal/views"
	"github.com/EchoPBX/tradedesk/internal/ws"
	"github.com/EchoPBX/tradedesk/pkg/sdk"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// fakeSession answers every correlated request with reply, or with an error
// frame when the request type is "update_parameters".
type fakeSession struct {
	mu        sync.Mutex
	connected bool
	sent      []sdk.Message
	token     string
	loggedOut bool
	pending   *rpc.Pending
	req       *rpc.Requester
	silent    bool
	// legacy, when set, answers like a backend that never echoes request_id.
	legacy func(sdk.Message) []sdk.Message
}

func newFakeSession(connected bool) *fakeSession {
	s := &fakeSession{connected: connected, pending: rpc.NewPending()}
	s.req = rpc.NewRequester(s, s.pending)
	return s
}

func (s *fakeSession) Status() session.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := session.GateSignedOut
	if s.token != "" {
		g = session.GateReady
	}
	return session.Status{State: g, Connected: s.connected}
}

func (s *fakeSession) Send(msg sdk.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ws.ErrNotConnected
	}
	s.sent = append(s.sent, msg)
	if s.legacy != nil {
		frames := s.legacy(msg)
		go func() {
			for _, f := range frames {
				s.pending.Resolve(f)
			}
		}()
		return nil
	}
	if msg.RequestID != "" && !s.silent {
		reply := sdk.Message{Type: msg.Type, RequestID: msg.RequestID, Data: json.RawMessage(`{"status":"success"}`)}
		if msg.Type == "update_parameters" {
			reply = sdk.Message{Type: "error", RequestID: msg.RequestID, Data: json.RawMessage(`{"detail":"bad params"}`)}
		}
		go s.pending.Resolve(reply)
	}
	return nil
}

func (s *fakeSession) IsConnected() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.connected }

func (s *fakeSession) wasLoggedOut() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.loggedOut }

func (s *fakeSession) setSilent() { s.mu.Lock(); s.silent = true; s.mu.Unlock() }

func (s *fakeSession) sentKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.sent {
		out = append(out, m.Type)
	}
	return out
}

func (s *fakeSession) Requester() *rpc.Requester      { return s.req }
func (s *fakeSession) SetLoggedIn(token string) error { s.mu.Lock(); s.token = token; s.mu.Unlock(); return nil }
func (s *fakeSession) Logout()                        { s.mu.Lock(); s.loggedOut = true; s.token = ""; s.mu.Unlock() }
func (s *fakeSession) Acknowledge()                   {}
func (s *fakeSession) ReconnectNow() error            { return nil }

type fakeViews struct{}

func (fakeViews) List() []views.Info { return []views.Info{{Name: "pnl", Kind: "metrics"}} }
func (fakeViews) Snapshot(name string) (any, error) {
	if name != "pnl" {
		return nil, views.ErrUnknownView
	}
	return map[string]int{"profitable": 1}, nil
}

type fakeAuth struct{}

func (fakeAuth) Login(_ context.Context, email, password string) (auth.Result, error) {
	if password != "secret" {
		return auth.Result{}, &auth.Error{StatusCode: 401, Detail: "Invalid email or password"}
	}
	return auth.Result{AccessToken: "tok", UserName: "Ada", TokenType: "bearer"}, nil
}

func newTestServer(t *testing.T, sess *fakeSession) (*httptest.Server, *events.Bus) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Backend.RequestTimeout = time.Second
	bus := events.NewBus(nil)
	srv, err := New(cfg, zap.NewNop(), Deps{Bus: bus, Session: sess, Views: fakeViews{}, Auth: fakeAuth{}})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, bus
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, newFakeSession(true))
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestSend(t *testing.T) {
	sess := newFakeSession(true)
	ts, _ := newTestServer(t, sess)

	resp, _ := post(t, ts.URL+"/v1/send", `{"type":"get_chart_data","data":{"symbol":"BTC"}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if got := sess.sentKinds(); len(got) != 1 || got[0] != "get_chart_data" {
		t.Fatalf("sent %v", got)
	}

	resp, _ = post(t, ts.URL+"/v1/send", `{"type":"launch_rockets"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown type: status %d", resp.StatusCode)
	}
}

func TestSend_Disconnected(t *testing.T) {
	ts, _ := newTestServer(t, newFakeSession(false))
	resp, _ := post(t, ts.URL+"/v1/send", `{"type":"total_pnl"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestRequest(t *testing.T) {
	sess := newFakeSession(true)
	ts, _ := newTestServer(t, sess)

	resp, body := post(t, ts.URL+"/v1/request", `{"type":"get_parameters"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
	if body["type"] != "get_parameters" || body["request_id"] == "" {
		t.Fatalf("reply %v", body)
	}

	resp, body = post(t, ts.URL+"/v1/request", `{"type":"update_parameters","data":{"x":1}}`)
	if resp.StatusCode != http.StatusBadGateway || body["type"] != "error" {
		t.Fatalf("error reply: status %d body %v", resp.StatusCode, body)
	}

	sess.setSilent()
	resp, _ = post(t, ts.URL+"/v1/request", `{"type":"get_parameters","timeout_ms":50}`)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("timeout: status %d", resp.StatusCode)
	}
	if sess.pending.Len() != 0 {
		t.Fatal("timed out request left pending")
	}
}

func TestLoginLogout(t *testing.T) {
	sess := newFakeSession(true)
	ts, _ := newTestServer(t, sess)

	resp, body := post(t, ts.URL+"/v1/login", `{"email":"ada@example.com","password":"wrong"}`)
	if resp.StatusCode != http.StatusUnauthorized || body["error"] != "Invalid email or password" {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}

	resp, body = post(t, ts.URL+"/v1/login", `{"email":"ada@example.com","password":"secret"}`)
	if resp.StatusCode != http.StatusOK || body["user_name"] != "Ada" {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
	if st := sess.Status(); st.State != session.GateReady {
		t.Fatalf("token not installed: %+v", st)
	}

	resp, _ = post(t, ts.URL+"/v1/logout", ``)
	if resp.StatusCode != http.StatusNoContent || !sess.wasLoggedOut() {
		t.Fatalf("logout status %d", resp.StatusCode)
	}
}

func TestViews(t *testing.T) {
	ts, _ := newTestServer(t, newFakeSession(true))

	resp, err := http.Get(ts.URL + "/v1/views")
	if err != nil {
		t.Fatal(err)
	}
	var list []views.Info
	_ = json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if len(list) != 1 || list[0].Name != "pnl" {
		t.Fatalf("list %+v", list)
	}

	resp, err = http.Get(ts.URL + "/v1/views/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	ts, bus := newTestServer(t, newFakeSession(true))
	bus.Subscribe("total_pnl", func(json.RawMessage) {})

	resp, err := http.Get(ts.URL + "/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Session     session.Status `json:"session"`
		Subscribers map[string]int `json:"subscribers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.Session.Connected || body.Subscribers["total_pnl"] != 1 {
		t.Fatalf("status %+v", body)
	}
}

func TestEventStream(t *testing.T) {
	ts, bus := newTestServer(t, newFakeSession(true))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events?types=total_pnl,chat"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for bus.Count("chat") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish("get_chart_data", json.RawMessage(`{"ignored":true}`))
	bus.Publish("chat", json.RawMessage(`{"delta":"hi"}`))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f streamFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	if f.Type != "chat" || string(f.Data) != `{"delta":"hi"}` {
		t.Fatalf("frame %+v", f)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for bus.Count("chat") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream did not unsubscribe after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventStream_RequiresTypes(t *testing.T) {
	ts, _ := newTestServer(t, newFakeSession(true))
	resp, err := http.Get(ts.URL + "/v1/events")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func legacyFrame(kind, data string) sdk.Message {
	return sdk.Message{Type: kind, Data: json.RawMessage(data)}
}

func TestRequest_CorrelatesByPayload(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		frames   []sdk.Message
		wantType string
		wantData string
	}{
		{
			name: "chart by symbol and timeframe",
			body: `{"type":"get_chart_data","data":{"symbol":"BTCUSDT","timeframe":"1h","index_offset":0}}`,
			frames: []sdk.Message{
				legacyFrame("get_chart_data", `{"config":{"symbol":"ETHUSDT","timeframe":"1h","offset":0}}`),
				legacyFrame("get_chart_data", `{"config":{"symbol":"BTCUSDT","timeframe":"1h","offset":0}}`),
			},
			wantType: "get_chart_data",
			wantData: `{"config":{"symbol":"BTCUSDT","timeframe":"1h","offset":0}}`,
		},
		{
			name: "chat waits for done",
			body: `{"type":"chat","data":{"session_id":"s1","message":"price?"}}`,
			frames: []sdk.Message{
				legacyFrame("chat", `{"session_id":"s1","status":"streaming","delta":"BTC "}`),
				legacyFrame("chat", `{"session_id":"s1","status":"done","message":"BTC is up"}`),
			},
			wantType: "chat",
			wantData: `{"session_id":"s1","status":"done","message":"BTC is up"}`,
		},
		{
			name: "backtest result after status updates",
			body: `{"type":"backtest_orderblock","data":{"symbol":"BTCUSDT","timeframe":"4h"}}`,
			frames: []sdk.Message{
				legacyFrame("backtest_orderblock_status", `{"status":"running","message":"scanning"}`),
				legacyFrame("backtest_orderblocks", `{"status":"success"}`),
			},
			wantType: "backtest_orderblocks",
			wantData: `{"status":"success"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := newFakeSession(true)
			sess.legacy = func(sdk.Message) []sdk.Message { return tt.frames }
			ts, _ := newTestServer(t, sess)

			resp, err := http.Post(ts.URL+"/v1/request", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			var reply sdk.Message
			if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status %d reply %+v", resp.StatusCode, reply)
			}
			if reply.Type != tt.wantType || string(reply.Data) != tt.wantData {
				t.Errorf("reply %s %s", reply.Type, reply.Data)
			}
		})
	}
}
