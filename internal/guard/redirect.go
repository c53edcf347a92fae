package guard

import "context"

// LoginRedirect is a routed landing target without UI. Activating it starts
// the sign-in redirect and nothing else.
type LoginRedirect struct {
	auth Collaborator
}

// NewLoginRedirect binds a landing target to the collaborator.
func NewLoginRedirect(auth Collaborator) *LoginRedirect {
	return &LoginRedirect{auth: auth}
}

// Activate calls SignInWithRedirect once. Failures belong to the collaborator.
func (l *LoginRedirect) Activate(ctx context.Context) {
	_ = l.auth.SignInWithRedirect(ctx, nil)
}
