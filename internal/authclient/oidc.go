package authclient

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rjsadow/gatekeeper/internal/db"
	"github.com/rjsadow/gatekeeper/internal/guard"
	"github.com/rjsadow/gatekeeper/internal/metrics"
	"golang.org/x/oauth2"
)

// MinSessionSecretLength is the shortest accepted HS256 session secret.
const MinSessionSecretLength = 32

// healthCheckTimeout bounds the key-set fetch made by Healthy.
const healthCheckTimeout = 5 * time.Second

// Default lifetimes used when Options leaves them zero.
const (
	DefaultSessionTTL = 8 * time.Hour
	DefaultStateTTL   = 10 * time.Minute
)

// Audit actions recorded by the client.
const (
	AuditActionLogin  = "SSO_LOGIN"
	AuditActionLogout = "LOGOUT"
)

// StateStore persists in-flight login attempts. Any replica can complete a
// callback started by another. *db.DB satisfies it.
type StateStore interface {
	SaveLoginState(ctx context.Context, state db.LoginState) error
	ConsumeLoginState(ctx context.Context, state string) (*db.LoginState, error)
	CleanupExpiredLoginStates(ctx context.Context, now time.Time) (int64, error)
}

// AuditLogger records login and logout events. *db.DB satisfies it.
type AuditLogger interface {
	LogAudit(ctx context.Context, user, action, details string) error
}

// Options configures an OIDCClient.
type Options struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Scopes defaults to openid, profile and email.
	Scopes []string

	SessionSecret string
	SessionTTL    time.Duration
	StateTTL      time.Duration

	// Guard is returned by Collaborator.Config. Optional.
	Guard *guard.Config
	// Audit is optional.
	Audit AuditLogger
	// HTTPClient is used for discovery, key fetches and code exchange.
	HTTPClient *http.Client
	// SecureCookies marks the session cookie Secure even on plain HTTP
	// requests, for deployments behind a TLS-terminating proxy.
	SecureCookies bool
}

func (o *Options) validate() error {
	switch {
	case o.Issuer == "":
		return errors.New("oidc: issuer is required")
	case o.ClientID == "":
		return errors.New("oidc: client_id is required")
	case o.ClientSecret == "":
		return errors.New("oidc: client_secret is required")
	case o.RedirectURL == "":
		return errors.New("oidc: redirect_url is required")
	case len(o.SessionSecret) < MinSessionSecretLength:
		return fmt.Errorf("oidc: session secret must be at least %d characters", MinSessionSecretLength)
	}
	return nil
}

// OIDCClient runs the OpenID Connect authorization code flow with PKCE and
// issues local session tokens once the identity provider has vouched for the
// user.
type OIDCClient struct {
	store      StateStore
	audit      AuditLogger
	guardCfg   *guard.Config
	httpClient *http.Client
	stateTTL   time.Duration
	tokens     *sessionTokens
	secure     bool
	now        func() time.Time

	provider     *oidc.Provider
	verifier     *oidc.IDTokenVerifier
	jwksURL      string
	oauth2Config oauth2.Config
}

// NewOIDCClient discovers the issuer (fetching .well-known/openid-configuration)
// and returns a ready client.
func NewOIDCClient(ctx context.Context, opts Options, store StateStore) (*OIDCClient, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("oidc: state store is required")
	}

	if opts.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, opts.HTTPClient)
	}
	provider, err := oidc.NewProvider(ctx, opts.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc: failed to discover provider at %s: %w", opts.Issuer, err)
	}
	var discovery struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&discovery); err != nil {
		return nil, fmt.Errorf("oidc: failed to read discovery document: %w", err)
	}

	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	sessionTTL := opts.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	stateTTL := opts.StateTTL
	if stateTTL <= 0 {
		stateTTL = DefaultStateTTL
	}

	return &OIDCClient{
		store:      store,
		audit:      opts.Audit,
		guardCfg:   opts.Guard,
		httpClient: opts.HTTPClient,
		stateTTL:   stateTTL,
		tokens:     &sessionTokens{secret: []byte(opts.SessionSecret), ttl: sessionTTL},
		secure:     opts.SecureCookies,
		now:        time.Now,
		provider:   provider,
		verifier:   provider.Verifier(&oidc.Config{ClientID: opts.ClientID}),
		jwksURL:    discovery.JWKSURL,
		oauth2Config: oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  opts.RedirectURL,
			Scopes:       scopes,
		},
	}, nil
}

// ForRequest returns a collaborator bound to one request.
func (c *OIDCClient) ForRequest(w http.ResponseWriter, r *http.Request) guard.Collaborator {
	return &Session{client: c, w: w, r: r}
}

// Healthy reports whether the identity provider still serves its signing
// keys. Without them no callback can be verified.
func (c *OIDCClient) Healthy(ctx context.Context) bool {
	if c.jwksURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return false
	}
	client := c.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("identity provider unreachable", "url", c.jwksURL, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		slog.Warn("identity provider key set unavailable", "url", c.jwksURL, "status", resp.StatusCode)
		return false
	}
	return true
}

func (c *OIDCClient) Close() error {
	return nil
}

// RunCleanup deletes expired login states every interval until ctx is done.
func (c *OIDCClient) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.store.CleanupExpiredLoginStates(ctx, c.now())
			if err != nil {
				slog.Warn("failed to clean up expired login states", "error", err)
				continue
			}
			if n > 0 {
				metrics.ExpiredStatesDeletedTotal.Add(float64(n))
				slog.Debug("deleted expired login states", "count", n)
			}
		}
	}
}

// beginLogin persists a new login attempt and returns the authorization URL.
func (c *OIDCClient) beginLogin(ctx context.Context, originalURI, loginHint string) (string, error) {
	state, err := generateState()
	if err != nil {
		return "", err
	}
	nonce, err := generateState()
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()

	err = c.store.SaveLoginState(ctx, db.LoginState{
		State:        state,
		CodeVerifier: verifier,
		Nonce:        nonce,
		OriginalURI:  originalURI,
		ExpiresAt:    c.now().Add(c.stateTTL),
	})
	if err != nil {
		return "", fmt.Errorf("oidc: failed to save state: %w", err)
	}

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier), oidc.Nonce(nonce)}
	if loginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", loginHint))
	}
	return c.oauth2Config.AuthCodeURL(state, opts...), nil
}

// LoginResult is the outcome of a completed authorization code exchange.
type LoginResult struct {
	Identity     *Identity
	SessionToken string
	ExpiresAt    time.Time
	OriginalURI  string
}

// completeLogin consumes the state, exchanges the code and verifies the ID
// token before minting a session token.
func (c *OIDCClient) completeLogin(ctx context.Context, code, state string) (*LoginResult, error) {
	saved, err := c.store.ConsumeLoginState(ctx, state)
	if err != nil {
		if errors.Is(err, db.ErrLoginStateNotFound) {
			return nil, errors.New("invalid or expired state parameter")
		}
		return nil, fmt.Errorf("oidc: failed to validate state: %w", err)
	}
	if c.now().After(saved.ExpiresAt) {
		return nil, errors.New("state parameter expired")
	}

	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	oauth2Token, err := c.oauth2Config.Exchange(ctx, code, oauth2.VerifierOption(saved.CodeVerifier))
	if err != nil {
		return nil, fmt.Errorf("oidc: failed to exchange code: %w", err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, errors.New("oidc: no id_token in token response")
	}
	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("oidc: failed to verify id_token: %w", err)
	}
	if idToken.Nonce != saved.Nonce {
		return nil, errors.New("oidc: id_token nonce mismatch")
	}

	var claims struct {
		Sub               string   `json:"sub"`
		Email             string   `json:"email"`
		Name              string   `json:"name"`
		PreferredUsername string   `json:"preferred_username"`
		Groups            []string `json:"groups"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("oidc: failed to parse claims: %w", err)
	}

	// prefer preferred_username, fall back to email, then sub
	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		username = claims.Sub
	}

	id := &Identity{
		Subject:  claims.Sub,
		Username: username,
		Email:    claims.Email,
		Name:     claims.Name,
		Groups:   claims.Groups,
	}
	now := c.now()
	token, err := c.tokens.issue(id, now)
	if err != nil {
		return nil, fmt.Errorf("oidc: failed to issue session token: %w", err)
	}

	return &LoginResult{
		Identity:     id,
		SessionToken: token,
		ExpiresAt:    now.Add(c.tokens.ttl),
		OriginalURI:  saved.OriginalURI,
	}, nil
}

// HandleCallback completes a login started by SignInWithRedirect and sends
// the browser back to the page it originally asked for.
func (c *OIDCClient) HandleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if errParam := query.Get("error"); errParam != "" {
		errDesc := query.Get("error_description")
		slog.Warn("OIDC callback error", "error", errParam, "description", errDesc)
		metrics.CallbacksTotal.WithLabelValues(metrics.ResultFailure).Inc()
		http.Error(w, fmt.Sprintf("SSO error: %s", errDesc), http.StatusBadRequest)
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		metrics.CallbacksTotal.WithLabelValues(metrics.ResultFailure).Inc()
		http.Error(w, "Missing code or state parameter", http.StatusBadRequest)
		return
	}

	result, err := c.completeLogin(r.Context(), code, state)
	if err != nil {
		slog.Error("OIDC callback failed", "error", err)
		metrics.CallbacksTotal.WithLabelValues(metrics.ResultFailure).Inc()
		http.Error(w, "SSO authentication failed", http.StatusUnauthorized)
		return
	}
	metrics.CallbacksTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	c.recordAudit(r.Context(), result.Identity.Username, AuditActionLogin, "User logged in via OIDC SSO")

	c.setSessionCookie(w, r, result.SessionToken)

	target, ok := sameOriginPath(result.OriginalURI, r.Host)
	if !ok {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// Logout clears the session cookie and redirects to /.
func (c *OIDCClient) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		if claims, err := c.tokens.parse(cookie.Value); err == nil {
			c.recordAudit(r.Context(), claims.Username, AuditActionLogout, "User logged out")
		}
	}
	c.clearSessionCookie(w, r)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (c *OIDCClient) recordAudit(ctx context.Context, user, action, details string) {
	if c.audit == nil {
		return
	}
	if err := c.audit.LogAudit(ctx, user, action, details); err != nil {
		slog.Warn("failed to write audit log", "action", action, "user", user, "error", err)
	}
}

func (c *OIDCClient) setSessionCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secureRequest(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(c.tokens.ttl.Seconds()),
	})
}

func (c *OIDCClient) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secureRequest(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// secureRequest reports whether the browser reached us over HTTPS, directly
// or through a proxy that says so in X-Forwarded-Proto.
func (c *OIDCClient) secureRequest(r *http.Request) bool {
	if c.secure || r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// generateState creates a cryptographically random state token.
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
