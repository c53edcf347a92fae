package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/rjsadow/gatekeeper/internal/config"
	"github.com/rjsadow/gatekeeper/internal/guard"
)

// UnauthorizedJSON is an onAuthRequired callback for API routes. It answers
// 401 with a JSON body instead of sending the client to the identity provider.
func UnauthorizedJSON(ctx context.Context, auth guard.Collaborator, injector guard.Injector) {
	w, ok := guard.Resolve[http.ResponseWriter](injector, ResponseWriterToken)
	if !ok {
		slog.Warn("onAuthRequired: no response writer in injector")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
}

// RedirectToLogin returns an onAuthRequired callback that sends the browser
// to loginPath, passing the requested URI in the redirect query parameter.
func RedirectToLogin(loginPath string) guard.OnAuthRequiredFunc {
	return func(ctx context.Context, auth guard.Collaborator, injector guard.Injector) {
		w, okW := guard.Resolve[http.ResponseWriter](injector, ResponseWriterToken)
		r, okR := guard.Resolve[*http.Request](injector, RequestToken)
		if !okW || !okR {
			slog.Warn("onAuthRequired: request not available in injector")
			return
		}
		target := loginPath + "?redirect=" + url.QueryEscape(r.URL.RequestURI())
		http.Redirect(w, r, target, http.StatusFound)
	}
}

// RecoveryForMode maps a configured recovery mode to the callback stored in
// guard.Config. The redirect mode returns nil so the guard falls back to
// SignInWithRedirect.
func RecoveryForMode(mode, loginPath string) (guard.OnAuthRequiredFunc, error) {
	switch mode {
	case config.OnAuthRequiredRedirect, "":
		return nil, nil
	case config.OnAuthRequiredLoginPage:
		return RedirectToLogin(loginPath), nil
	case config.OnAuthRequiredUnauthorized:
		return UnauthorizedJSON, nil
	default:
		return nil, fmt.Errorf("unknown onAuthRequired mode %q", mode)
	}
}
