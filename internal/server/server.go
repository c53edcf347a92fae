// Package server provides the HTTP handler assembly for Gatekeeper.
// It accepts all dependencies as parameters so that both main() and tests
// can build the same handler chain without route drift.
package server

import (
	"io/fs"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rjsadow/gatekeeper/internal/authclient"
	"github.com/rjsadow/gatekeeper/internal/config"
	"github.com/rjsadow/gatekeeper/internal/db"
	"github.com/rjsadow/gatekeeper/internal/guard"
	"github.com/rjsadow/gatekeeper/internal/middleware"
)

// LoginPath is where unauthenticated browsers start a sign-in.
const LoginPath = "/login"

// appToken keys application-wide values in the injector that onAuthRequired
// callbacks receive.
type appToken string

// DBToken resolves to the *db.DB the application was built with.
const DBToken appToken = "db"

// App holds all dependencies needed to build the HTTP handler.
type App struct {
	DB           *db.DB
	Auth         authclient.Provider
	Config       *config.Config
	Metrics      prometheus.Gatherer     // nil disables /metrics
	LoginLimiter *middleware.RateLimiter // nil disables rate limiting of sign-in routes
	StaticFS     fs.FS                   // SPA build output (nil disables static serving)
}

// Injector returns the application-wide injector handed to route guards.
func (a *App) Injector() guard.Injector {
	return guard.NewRegistry().Provide(DBToken, a.DB)
}

// Handler builds and returns the complete HTTP handler with all routes
// registered and middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	h := &handlers{app: a}
	injector := a.Injector()

	// Observability endpoints (public, no auth required)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)
	if a.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(a.Metrics, promhttp.HandlerOpts{}))
	}

	// Sign-in routes (public)
	signIn := func(handler http.HandlerFunc) http.Handler {
		var next http.Handler = handler
		if a.LoginLimiter != nil {
			next = middleware.RateLimit(a.LoginLimiter)(next)
		}
		return middleware.NoStore(next)
	}
	mux.Handle(LoginPath, signIn(h.handleLogin))
	mux.Handle(LoginPath+"/callback", signIn(h.handleCallback))
	mux.HandleFunc("/logout", h.handleLogout)

	// Sign-ins started by guarded routes share the sign-in routes' budget.
	var auth middleware.CollaboratorFactory = a.Auth
	if a.LoginLimiter != nil {
		auth = middleware.LimitSignIns(a.Auth, a.LoginLimiter)
	}

	// API routes answer 401 instead of redirecting.
	apiGuard := middleware.RequireAuth(auth, injector, map[string]any{
		guard.OnAuthRequiredKey: guard.OnAuthRequiredFunc(middleware.UnauthorizedJSON),
	})
	auditGuard := middleware.RequireAuth(auth, injector, map[string]any{
		guard.OnAuthRequiredKey: guard.OnAuthRequiredFunc(auditDenied),
	})
	mux.Handle("/api/me", apiGuard(http.HandlerFunc(h.handleMe)))
	mux.Handle("/api/audit", auditGuard(http.HandlerFunc(h.handleAuditLogs)))

	// Everything else is the SPA, guarded as a whole.
	appGuard := middleware.RequireAuthChild(auth, injector, nil)
	if a.StaticFS != nil {
		fileServer := http.FileServer(http.FS(a.StaticFS))
		mux.Handle("/", appGuard(h.staticHandler(fileServer)))
	} else {
		mux.Handle("/", appGuard(http.HandlerFunc(h.handleIndex)))
	}

	// Wrap with middleware
	return middleware.SecurityHeaders(middleware.RequestID(mux))
}
