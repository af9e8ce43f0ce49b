package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamBuffer = 256
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	writeWait    = 10 * time.Second
)

// streamFrame is one bus event forwarded to a bridge client.
type streamFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// handleEvents upgrades to a websocket and forwards bus events of the kinds
// listed in ?types=a,b until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var names []string
	for _, n := range strings.Split(r.URL.Query().Get("types"), ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		writeError(w, http.StatusBadRequest, "types query parameter required")
		return
	}

	conn, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	ch := make(chan streamFrame, streamBuffer)
	done := make(chan struct{})
	var unsubs []func()
	for _, name := range names {
		name := name
		unsubs = append(unsubs, s.deps.Bus.Subscribe(name, func(p json.RawMessage) {
			select {
			case ch <- streamFrame{Type: name, Data: p}:
			case <-done:
			default:
				s.log.Warn("event stream full, frame dropped", zap.String("type", name))
			}
		}))
	}
	s.log.Debug("event stream opened", zap.Strings("types", names))

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer func() {
			ticker.Stop()
			_ = conn.Close()
		}()
		for {
			select {
			case f := <-ch:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(f); err != nil {
					s.log.Debug("ws write error", zap.Error(err))
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	for _, u := range unsubs {
		u()
	}
	close(done)
	s.log.Debug("event stream closed", zap.Strings("types", names))
}
