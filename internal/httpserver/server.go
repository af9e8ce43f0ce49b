package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/EchoPBX/tradedesk/internal/auth"
	"github.com/EchoPBX/tradedesk/internal/config"
	"github.com/EchoPBX/tradedesk/internal/jwt"
	"github.com/EchoPBX/tradedesk/internal/protocol"
	"github.com/EchoPBX/tradedesk/internal/rpc"
	"github.com/EchoPBX/tradedesk/internal/session"
	"github.com/EchoPBX/tradedesk/internal/views"
	"github.com/EchoPBX/tradedesk/internal/ws"
	"github.com/EchoPBX/tradedesk/pkg/sdk"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Bus is the event bus as the bridge sees it.
type Bus interface {
	sdk.Bus
	Count(name string) int
	Names() []string
}

// Session is the connection the bridge drives.
type Session interface {
	Status() session.Status
	Send(msg sdk.Message) error
	Requester() *rpc.Requester
	SetLoggedIn(token string) error
	Logout()
	Acknowledge()
	ReconnectNow() error
}

// Views exposes mounted view state.
type Views interface {
	List() []views.Info
	Snapshot(name string) (any, error)
}

// Authenticator exchanges user credentials for a backend token.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (auth.Result, error)
}

type Deps struct {
	Bus     Bus
	Session Session
	Views   Views
	Auth    Authenticator
}

type Server struct {
	log  *zap.Logger
	deps Deps
	r    *chi.Mux
	up   websocket.Upgrader

	mu  sync.RWMutex
	cfg *config.Config
	jwt *jwt.Validator
}

func New(cfg *config.Config, log *zap.Logger, deps Deps) (*Server, error) {
	v, err := jwt.NewValidator(cfg.Auth.JWTPublicKeys, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return nil, err
	}
	origins := cfg.HTTP.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	s := &Server{
		cfg:  cfg,
		log:  log.Named("http"),
		deps: deps,
		r:    r,
		jwt:  v,
		up:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.routes()
	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Reload swaps the config and the bridge auth keys.
func (s *Server) Reload(cfg *config.Config) error {
	v, err := jwt.NewValidator(cfg.Auth.JWTPublicKeys, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.jwt = v
	s.mu.Unlock()
	return nil
}

func (s *Server) config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Server) routes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/status", s.handleStatus)
		r.Post("/send", s.handleSend)
		r.Post("/request", s.handleRequest)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Post("/session/ack", s.handleAck)
		r.Post("/reconnect", s.handleReconnect)
		r.Get("/views", s.handleViews)
		r.Get("/views/{name}", s.handleView)
		r.Get("/events", s.handleEvents)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	subs := make(map[string]int)
	for _, name := range s.deps.Bus.Names() {
		subs[name] = s.deps.Bus.Count(name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "tradedesk",
		"time":        time.Now().UTC(),
		"session":     s.deps.Session.Status(),
		"subscribers": subs,
	})
}

type command struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
}

func (s *Server) decodeCommand(w http.ResponseWriter, r *http.Request) (command, bool) {
	var c command
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return c, false
	}
	if !protocol.Known(protocol.Kind(c.Type)) {
		writeError(w, http.StatusBadRequest, "unknown message type "+c.Type)
		return c, false
	}
	return c, true
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	c, ok := s.decodeCommand(w, r)
	if !ok {
		return
	}
	err := s.deps.Session.Send(sdk.Message{Type: c.Type, Data: c.Data})
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, ws.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	c, ok := s.decodeCommand(w, r)
	if !ok {
		return
	}
	timeout := s.config().Backend.RequestTimeout
	if c.TimeoutMS > 0 {
		timeout = time.Duration(c.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	var data any
	if len(c.Data) > 0 {
		data = c.Data
	}
	opts := append(rpc.Policy(c.Type, c.Data), rpc.WithProgress(func(m sdk.Message) {
		s.log.Debug("request progress", zap.String("type", c.Type), zap.String("reply", m.Type))
	}))
	reply, err := s.deps.Session.Requester().Do(ctx, c.Type, data, opts...)
	var remote *rpc.RemoteError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, reply)
	case errors.As(err, &remote):
		writeJSON(w, http.StatusBadGateway, reply)
	case errors.Is(err, ws.ErrNotConnected), errors.Is(err, rpc.ErrNoSender):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "no reply from backend")
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if s.deps.Auth == nil {
		writeError(w, http.StatusNotImplemented, auth.ErrNoBaseURL.Error())
		return
	}
	res, err := s.deps.Auth.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, auth.ErrLoginFailed) {
			status = http.StatusUnauthorized
		}
		writeError(w, status, err.Error())
		return
	}
	if err := s.deps.Session.SetLoggedIn(res.AccessToken); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrTokenExpired) {
			status = http.StatusUnauthorized
		}
		writeError(w, status, err.Error())
		return
	}
	s.log.Info("signed in", zap.String("user", res.UserName))
	writeJSON(w, http.StatusOK, map[string]any{
		"user_name":  res.UserName,
		"token_type": res.TokenType,
		"session":    s.deps.Session.Status(),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.deps.Session.Logout()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	s.deps.Session.Acknowledge()
	writeJSON(w, http.StatusOK, s.deps.Session.Status())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Session.ReconnectNow(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleViews(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Views.List())
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Views.Snapshot(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		v := s.jwt
		s.mu.RUnlock()
		if !v.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		tok := r.Header.Get("Authorization")
		if tok == "" {
			// Browsers cannot set headers on a websocket upgrade.
			tok = r.URL.Query().Get("access_token")
		}
		tok = strings.TrimPrefix(tok, "Bearer ")
		if tok == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		if _, err := v.Verify(tok); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
