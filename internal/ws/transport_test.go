package ws

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBuildURL(t *testing.T) {
	cases := []struct {
		base, path, token string
		want              string
	}{
		{"http://localhost:8000", "/ws", "abc", "ws://localhost:8000/ws?token=abc"},
		{"https://api.example.com/", "ws", "t k", "wss://api.example.com/ws?token=t+k"},
		{"ws://h:1/base", "/ws", "", "ws://h:1/base/ws"},
		{"wss://h", "", "x", "wss://h?token=x"},
	}
	for _, tc := range cases {
		got, err := BuildURL(tc.base, tc.path, tc.token)
		if err != nil {
			t.Fatalf("BuildURL(%q): %v", tc.base, err)
		}
		if got != tc.want {
			t.Errorf("BuildURL(%q, %q, %q) = %q, want %q", tc.base, tc.path, tc.token, got, tc.want)
		}
	}
	if _, err := BuildURL("ftp://h", "/ws", ""); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestGorillaTransport_EchoAndPolicyClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		_ = c.WriteMessage(websocket.TextMessage, data)
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expired"),
			time.Now().Add(time.Second))
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	router := newRouteRecorder()
	events := make(chan string, 8)
	c, err := New(wsURL(srv)+"/ws?token=good", router, Options{
		OnConnect:     func() { events <- "connect" },
		OnDisconnect:  func() { events <- "disconnect" },
		OnTokenExpiry: func() { events <- "expiry" },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	wait := func(want string) {
		t.Helper()
		select {
		case got := <-events:
			if got != want {
				t.Fatalf("expected %q, got %q", want, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	wait("connect")
	if err := c.SendKind("ping", map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-router.ch:
		if msg.Type != "ping" || string(msg.Data) != `{"n":1}` {
			t.Fatalf("unexpected echo %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no echo")
	}
	wait("disconnect")
	wait("expiry")
	if c.State() != StateClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}
}

func TestGorillaTransport_RejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	tr := NewGorillaTransport(time.Second, false)
	_, err := tr.Dial(t.Context(), wsURL(srv))
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("expected ErrHandshakeRejected, got %v", err)
	}
}
