package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EchoPBX/tradedesk/internal/auth"
	"github.com/EchoPBX/tradedesk/internal/config"
	"github.com/EchoPBX/tradedesk/internal/events"
	"github.com/EchoPBX/tradedesk/internal/httpserver"
	"github.com/EchoPBX/tradedesk/internal/logging"
	"github.com/EchoPBX/tradedesk/internal/reloader"
	"github.com/EchoPBX/tradedesk/internal/session"
	"github.com/EchoPBX/tradedesk/internal/views"
	"github.com/EchoPBX/tradedesk/internal/ws"
	"go.uber.org/zap"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	cfgPath := config.Path()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, level := logging.New(logging.Cfg{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.JSON,
	})
	defer logger.Sync()

	// Banner
	fmt.Println(`
  _____              _          _           _
 |_   _| __ __ _  __| | ___  __| | ___  ___| | __
   | || '__/ _' |/ _' |/ _ \/ _' |/ _ \/ __| |/ /
   | || | | (_| | (_| |  __/ (_| |  __/\__ \   <
   |_||_|  \__,_|\__,_|\___|\__,_|\___||___/_|\_\

Tradedesk - trading backend connection bridge
---------------------------------------------
Config:  ` + cfgPath + `
Backend: ` + cfg.Backend.WSURL + cfg.Backend.WSPath + `
`)

	bus := events.NewBus(logger)

	sess := session.New(bus, sessionOptions(cfg, logger))
	if tok := cfg.Backend.AccessToken; tok != "" {
		if err := sess.SetLoggedIn(tok); err != nil {
			logger.Warn("configured access token not used", zap.Error(err))
		}
	}

	viewMgr := views.NewManager(logger, bus, sess)
	viewMgr.Apply(cfg.Views)

	var authClient httpserver.Authenticator
	if cfg.Backend.APIBaseURL != "" {
		authClient = auth.New(cfg.Backend.APIBaseURL, nil)
	}

	srv, err := httpserver.New(cfg, logger, httpserver.Deps{
		Bus:     bus,
		Session: sess,
		Views:   viewMgr,
		Auth:    authClient,
	})
	if err != nil {
		logger.Fatal("http server", zap.Error(err))
	}

	// Hot reload on SIGHUP
	stopReload := reloader.OnSIGHUP(func() {
		newCfg, err := config.Load(cfgPath)
		if err != nil {
			logger.Warn("config reload failed", zap.Error(err))
			return
		}
		if err := logging.SetLevel(level, newCfg.Logging.Level); err != nil {
			logger.Warn("bad log level", zap.String("level", newCfg.Logging.Level), zap.Error(err))
		}
		if err := sess.Reload(sessionOptions(newCfg, logger)); err != nil {
			logger.Warn("session reload failed", zap.Error(err))
		}
		if err := srv.Reload(newCfg); err != nil {
			logger.Warn("http reload failed", zap.Error(err))
		}
		viewMgr.Apply(newCfg.Views)
		logger.Info("reloaded config and views", zap.Int("views", len(newCfg.Views)))
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// HTTP server
	go func() {
		logger.Info("bridge listening", zap.String("addr", httpSrv.Addr), zap.Bool("tls", cfg.HTTP.TLS.Enabled))
		if cfg.HTTP.TLS.Enabled {
			if err := httpSrv.ListenAndServeTLS(cfg.HTTP.TLS.Cert, cfg.HTTP.TLS.Key); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("http tls", zap.Error(err))
			}
		} else {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("http", zap.Error(err))
			}
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down...")
	stopReload()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	viewMgr.Shutdown()
	sess.Close()
	logger.Info("bye")
}

func sessionOptions(cfg *config.Config, logger *zap.Logger) session.Options {
	b := cfg.Backend
	return session.Options{
		URL:   b.WSURL,
		Path:  b.WSPath,
		Debug: cfg.Logging.DebugFrames,
		Client: ws.Options{
			ReconnectDelay:    b.ReconnectDelay,
			MaxReconnectDelay: b.MaxReconnectDelay,
			HandshakeTimeout:  b.HandshakeTimeout,
			Insecure:          b.Insecure,
		},
		Logger: logger,
	}
}
