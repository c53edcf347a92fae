package authclient

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/rjsadow/gatekeeper/internal/guard"
	"github.com/rjsadow/gatekeeper/internal/metrics"
)

// Session is the OIDC collaborator bound to a single request. Sign-in
// redirects are written to the bound response writer.
type Session struct {
	client *OIDCClient
	w      http.ResponseWriter
	r      *http.Request

	mu          sync.Mutex
	originalURI string
	identity    *Identity
}

var (
	_ guard.Collaborator = (*Session)(nil)
	_ IdentitySource     = (*Session)(nil)
)

// IsAuthenticated reports whether the request carries a valid session
// cookie. Missing, expired and tampered tokens are simply unauthenticated.
func (s *Session) IsAuthenticated(ctx context.Context) (bool, error) {
	cookie, err := s.r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return false, nil
	}
	claims, err := s.client.tokens.parse(cookie.Value)
	if err != nil {
		slog.Debug("rejected session token", "error", err)
		return false, nil
	}

	s.mu.Lock()
	s.identity = claims.Identity()
	s.mu.Unlock()
	return true, nil
}

// SignInWithRedirect starts the authorization code flow and answers the
// bound request with a redirect to the identity provider. Failures are
// answered with 500 before being returned.
func (s *Session) SignInWithRedirect(ctx context.Context, opts *guard.SignInOptions) error {
	var hint string
	if opts != nil {
		hint = opts.LoginHint
	}

	loginURL, err := s.client.beginLogin(ctx, s.resolveOriginalURI(opts), hint)
	if err != nil {
		slog.Error("failed to start login", "error", err)
		metrics.SignInRedirectsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		http.Error(s.w, "Failed to generate login URL", http.StatusInternalServerError)
		return err
	}

	metrics.SignInRedirectsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	http.Redirect(s.w, s.r, loginURL, http.StatusFound)
	return nil
}

func (s *Session) SetOriginalURI(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.originalURI = uri
}

func (s *Session) Config() *guard.Config {
	return s.client.guardCfg
}

// Identity returns the principal found by the last successful
// IsAuthenticated, or nil.
func (s *Session) Identity() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// resolveOriginalURI picks the first usable destination from the explicit
// option, the remembered URI and the redirect query parameter.
func (s *Session) resolveOriginalURI(opts *guard.SignInOptions) string {
	s.mu.Lock()
	remembered := s.originalURI
	s.mu.Unlock()

	var explicit string
	if opts != nil {
		explicit = opts.OriginalURI
	}

	for _, candidate := range []string{explicit, remembered, s.r.URL.Query().Get("redirect")} {
		if target, ok := sameOriginPath(candidate, s.r.Host); ok {
			return target
		}
	}
	return "/"
}
