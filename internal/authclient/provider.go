// Package authclient provides the authentication collaborators consulted by
// the route guard.
//
// Built-in providers:
//   - oidc: OpenID Connect authorization code flow with PKCE
//   - noop: every request is authenticated (for development)
package authclient

import (
	"context"
	"net/http"

	"github.com/rjsadow/gatekeeper/internal/guard"
)

// SessionCookieName holds the locally issued session token.
const SessionCookieName = "gatekeeper_session"

// Provider hands out request-bound collaborators.
type Provider interface {
	// ForRequest binds a collaborator to one request. Redirects are written to w.
	ForRequest(w http.ResponseWriter, r *http.Request) guard.Collaborator
	// HandleCallback completes a sign-in started by the collaborator.
	HandleCallback(w http.ResponseWriter, r *http.Request)
	// Logout ends the session of the request.
	Logout(w http.ResponseWriter, r *http.Request)
	Healthy(ctx context.Context) bool
	Close() error
}

// Identity is the authenticated principal of a request.
type Identity struct {
	Subject  string   `json:"sub"`
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Name     string   `json:"name,omitempty"`
	Groups   []string `json:"groups,omitempty"`
}

// IdentitySource is implemented by collaborators that expose the principal
// after a successful IsAuthenticated.
type IdentitySource interface {
	Identity() *Identity
}

var (
	_ Provider = (*OIDCClient)(nil)
	_ Provider = (*NoopClient)(nil)
)
