package guard

import (
	"context"
	"log/slog"
)

// Guard evaluates navigations against the collaborator. A Guard holds no
// state across evaluations.
type Guard struct {
	auth     Collaborator
	injector Injector

	// activate backs CanActivateChild. It points at CanActivate unless a
	// test substitutes it.
	activate func(ctx context.Context, route *RouteSnapshot, state *RouterState) (bool, error)
}

// New creates a guard bound to the given collaborator and injection context.
func New(auth Collaborator, injector Injector) *Guard {
	g := &Guard{auth: auth, injector: injector}
	g.activate = g.CanActivate
	return g
}

// CanActivate reports whether the navigation may proceed.
//
// When the collaborator reports no session, the requested URL is recorded
// with SetOriginalURI and exactly one recovery action runs: the route's
// onAuthRequired callback, else the config's, else SignInWithRedirect. The
// result of the recovery action never becomes the decision. Errors from
// IsAuthenticated are returned unchanged.
func (g *Guard) CanActivate(ctx context.Context, route *RouteSnapshot, state *RouterState) (bool, error) {
	authenticated, err := g.auth.IsAuthenticated(ctx)
	if err != nil {
		return false, err
	}
	if authenticated {
		return true, nil
	}

	var target string
	if state != nil {
		target = state.URL
	}
	g.auth.SetOriginalURI(target)

	if fn, ok := route.OnAuthRequired(); ok {
		slog.Debug("auth required, using route callback", "url", target)
		fn(ctx, g.auth, g.injector)
		return false, nil
	}
	if cfg := g.auth.Config(); cfg != nil && cfg.OnAuthRequired != nil {
		slog.Debug("auth required, using config callback", "url", target)
		cfg.OnAuthRequired(ctx, g.auth, g.injector)
		return false, nil
	}

	slog.Debug("auth required, redirecting to sign-in", "url", target)
	// The redirect outcome is the collaborator's concern, not the decision's.
	_ = g.auth.SignInWithRedirect(ctx, nil)
	return false, nil
}

// CanActivateChild guards child routes with the same decision as CanActivate.
func (g *Guard) CanActivateChild(ctx context.Context, route *RouteSnapshot, state *RouterState) (bool, error) {
	return g.activate(ctx, route, state)
}
