// Package guard decides whether a navigation to a protected route may
// proceed. It adapts an external sign-in client (the Collaborator) to a
// router's per-navigation lifecycle: authenticated navigations pass through,
// unauthenticated ones record the requested URL and hand control to exactly
// one recovery action.
//
// The package knows nothing about HTTP. The middleware package binds it to
// net/http; the authclient package provides concrete collaborators.
package guard

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// OnAuthRequiredKey is the reserved route metadata key holding a
// route-level recovery callback.
const OnAuthRequiredKey = "onAuthRequired"

// OnAuthRequiredFunc is invoked instead of the default sign-in redirect when
// a navigation is blocked. It receives the collaborator and the injection
// context of the evaluating guard, unchanged.
type OnAuthRequiredFunc func(ctx context.Context, auth Collaborator, injector Injector)

// SignInOptions tunes a single sign-in redirect. A nil *SignInOptions means
// collaborator defaults.
type SignInOptions struct {
	// OriginalURI overrides the destination restored after login.
	OriginalURI string
	// LoginHint is forwarded to the identity provider when non-empty.
	LoginHint string
}

// Collaborator is the external authentication client the guard consults.
// Implementations own token handling and the redirect mechanics.
type Collaborator interface {
	// IsAuthenticated reports whether the current principal holds a valid session.
	IsAuthenticated(ctx context.Context) (bool, error)
	// SignInWithRedirect starts the login flow. opts may be nil.
	SignInWithRedirect(ctx context.Context, opts *SignInOptions) error
	// SetOriginalURI records the destination to restore after login.
	SetOriginalURI(uri string)
	// Config returns the process-wide configuration. Callers must not modify it.
	Config() *Config
}

// Config is the process-wide authentication configuration. It is built once
// at bootstrap and read-only afterwards.
type Config struct {
	Issuer      string
	ClientID    string
	RedirectURI string
	Scopes      []string

	// OnAuthRequired is the fallback recovery callback used when the route
	// does not carry its own.
	OnAuthRequired OnAuthRequiredFunc
}

// Validate reports missing connection parameters.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("guard: config is nil")
	}
	var missing []string
	if c.Issuer == "" {
		missing = append(missing, "issuer")
	}
	if c.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if c.RedirectURI == "" {
		missing = append(missing, "redirect_uri")
	}
	if len(missing) > 0 {
		return errors.New("guard: missing " + strings.Join(missing, ", "))
	}
	return nil
}

// RouteSnapshot is the matched route of one navigation.
type RouteSnapshot struct {
	Path  string
	Query url.Values
	// Data is the route metadata. OnAuthRequiredKey is reserved.
	Data map[string]any
}

// OnAuthRequired returns the route-level recovery callback, if any.
func (r *RouteSnapshot) OnAuthRequired() (OnAuthRequiredFunc, bool) {
	if r == nil || r.Data == nil {
		return nil, false
	}
	switch fn := r.Data[OnAuthRequiredKey].(type) {
	case OnAuthRequiredFunc:
		return fn, fn != nil
	case func(context.Context, Collaborator, Injector):
		return fn, fn != nil
	default:
		return nil, false
	}
}

// RouterState is the full target state of a navigation.
type RouterState struct {
	// URL is the fully resolved destination: path, query and fragment.
	URL  string
	Root *RouteSnapshot
}
