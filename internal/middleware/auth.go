package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/rjsadow/gatekeeper/internal/authclient"
	"github.com/rjsadow/gatekeeper/internal/guard"
	"github.com/rjsadow/gatekeeper/internal/metrics"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

// IdentityContextKey stores the authenticated identity in the request context.
const IdentityContextKey contextKey = "identity"

// injectionToken keys request-scoped values in the per-request injector.
type injectionToken string

const (
	// ResponseWriterToken resolves to the http.ResponseWriter of the guarded request.
	ResponseWriterToken injectionToken = "http.ResponseWriter"
	// RequestToken resolves to the *http.Request being guarded.
	RequestToken injectionToken = "*http.Request"
)

// CollaboratorFactory binds an auth collaborator to a single request.
// authclient.Provider satisfies it.
type CollaboratorFactory interface {
	ForRequest(w http.ResponseWriter, r *http.Request) guard.Collaborator
}

// RequireAuth guards a route. data is the route's static metadata and may
// carry an onAuthRequired callback under guard.OnAuthRequiredKey.
func RequireAuth(factory CollaboratorFactory, injector guard.Injector, data map[string]any) func(http.Handler) http.Handler {
	return requireAuth(factory, injector, data, false)
}

// RequireAuthChild guards every route below a prefix, evaluating the same
// decision as RequireAuth through CanActivateChild.
func RequireAuthChild(factory CollaboratorFactory, injector guard.Injector, data map[string]any) func(http.Handler) http.Handler {
	return requireAuth(factory, injector, data, true)
}

func requireAuth(factory CollaboratorFactory, injector guard.Injector, data map[string]any, child bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tw := &trackingWriter{ResponseWriter: w}
			auth := factory.ForRequest(tw, r)

			reqInjector := guard.NewChildRegistry(injector).
				Provide(ResponseWriterToken, http.ResponseWriter(tw)).
				Provide(RequestToken, r)
			g := guard.New(auth, reqInjector)

			route := &guard.RouteSnapshot{Path: r.URL.Path, Query: r.URL.Query(), Data: data}
			state := &guard.RouterState{URL: r.URL.RequestURI(), Root: route}

			check := g.CanActivate
			if child {
				check = g.CanActivateChild
			}
			allowed, err := check(r.Context(), route, state)

			routeLabel := r.Pattern
			if routeLabel == "" {
				routeLabel = "unmatched"
			}

			if err != nil {
				metrics.GuardDecisionsTotal.WithLabelValues(routeLabel, metrics.OutcomeError).Inc()
				slog.Error("auth check failed",
					"request_id", GetRequestID(r.Context()),
					"path", r.URL.Path,
					"error", err,
				)
				if !tw.written {
					http.Error(tw, "Internal server error", http.StatusInternalServerError)
				}
				return
			}

			if !allowed {
				metrics.GuardDecisionsTotal.WithLabelValues(routeLabel, metrics.OutcomeBlocked).Inc()
				if !tw.written {
					http.Error(tw, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			metrics.GuardDecisionsTotal.WithLabelValues(routeLabel, metrics.OutcomeAllowed).Inc()
			ctx := r.Context()
			if src, ok := auth.(authclient.IdentitySource); ok {
				if id := src.Identity(); id != nil {
					ctx = context.WithValue(ctx, IdentityContextKey, id)
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetIdentityFromContext retrieves the authenticated identity from the request context
func GetIdentityFromContext(ctx context.Context) *authclient.Identity {
	id, ok := ctx.Value(IdentityContextKey).(*authclient.Identity)
	if !ok {
		return nil
	}
	return id
}

// trackingWriter records whether a response has been started.
type trackingWriter struct {
	http.ResponseWriter
	written bool
}

func (w *trackingWriter) WriteHeader(code int) {
	w.written = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *trackingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
