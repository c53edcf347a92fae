package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/rjsadow/gatekeeper/internal/authclient"
	"github.com/rjsadow/gatekeeper/internal/config"
	"github.com/rjsadow/gatekeeper/internal/db"
	"github.com/rjsadow/gatekeeper/internal/metrics"
	"github.com/rjsadow/gatekeeper/internal/middleware"
	"github.com/rjsadow/gatekeeper/internal/server"
)

const (
	loginStateCleanupInterval = time.Minute
	shutdownTimeout           = 15 * time.Second
)

func main() {
	// Parse command-line flags (can override env vars)
	port := flag.Int("port", config.DefaultPort, "Port to listen on")
	dbPath := flag.String("db", config.DefaultDBPath, "Path to SQLite database")
	flag.Parse()

	cfg, err := config.LoadWithFlags(*port, *dbPath)
	if err != nil {
		slog.Error("Configuration error", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.NewLogger())

	if err := run(cfg); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.OpenDB(cfg.DBType, cfg.DSN())
	if err != nil {
		return err
	}
	defer database.Close()
	slog.Info("Database ready", "type", cfg.DBType)

	onAuthRequired, err := middleware.RecoveryForMode(cfg.OnAuthRequired, server.LoginPath)
	if err != nil {
		return err
	}
	guardCfg := cfg.GuardConfig(onAuthRequired)

	var provider authclient.Provider
	switch cfg.AuthProvider {
	case config.AuthProviderNoop:
		slog.Warn("Authentication is disabled: every request is treated as anonymous")
		provider = authclient.NewNoopClient(guardCfg)
	default:
		if err := guardCfg.Validate(); err != nil {
			return err
		}
		oidcClient, err := authclient.NewOIDCClient(ctx, authclient.Options{
			Issuer:        cfg.OIDCIssuer,
			ClientID:      cfg.OIDCClientID,
			ClientSecret:  cfg.OIDCClientSecret,
			RedirectURL:   cfg.OIDCRedirectURL,
			Scopes:        cfg.OIDCScopes,
			SessionSecret: cfg.SessionSecret,
			SessionTTL:    cfg.SessionTTL,
			StateTTL:      cfg.LoginStateTTL,
			Guard:         guardCfg,
			Audit:         database,
			SecureCookies: cfg.SecureCookies,
		}, database)
		if err != nil {
			return err
		}
		go oidcClient.RunCleanup(ctx, loginStateCleanupInterval)
		provider = oidcClient
		slog.Info("OIDC provider ready", "issuer", cfg.OIDCIssuer)
	}
	defer provider.Close()

	app := &server.App{
		DB:      database,
		Auth:    provider,
		Config:  cfg,
		Metrics: metrics.NewRegistry(),
	}
	if cfg.LoginRateLimit > 0 {
		app.LoginLimiter = middleware.NewRateLimiter(rate.Limit(cfg.LoginRateLimit), cfg.LoginBurst)
		defer app.LoginLimiter.Stop()
	}
	if cfg.StaticDir != "" {
		app.StaticFS = os.DirFS(cfg.StaticDir)
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gatekeeper listening", "addr", srv.Addr, "auth_provider", cfg.AuthProvider)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
