package authclient

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testClientID      = "test-client-id"
	testClientSecret  = "test-client-secret"
	testRedirectURL   = "http://app.example.com/login/callback"
	testSessionSecret = "0123456789abcdef0123456789abcdef" //nolint:gosec // gitleaks:allow
	testKeyID         = "test-key"
)

// fakeIdP is a minimal OpenID provider supporting the authorization code
// flow with PKCE.
type fakeIdP struct {
	*httptest.Server
	issuer     string
	privateKey *rsa.PrivateKey

	mu      sync.Mutex
	user    idpUser
	pending map[string]pendingCode
}

type idpUser struct {
	Subject           string
	PreferredUsername string
	Email             string
	Name              string
	Groups            []string
}

type pendingCode struct {
	challenge string
	nonce     string
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &fakeIdP{
		privateKey: privateKey,
		pending:    make(map[string]pendingCode),
		user: idpUser{
			Subject:           "user-123",
			PreferredUsername: "alice",
			Email:             "alice@example.com",
			Name:              "Alice",
			Groups:            []string{"engineering"},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", idp.handleDiscovery)
	mux.HandleFunc("/authorize", idp.handleAuthorize)
	mux.HandleFunc("/token", idp.handleToken)
	mux.HandleFunc("/jwks", idp.handleJWKS)

	idp.Server = httptest.NewServer(mux)
	idp.issuer = idp.URL
	t.Cleanup(idp.Close)
	return idp
}

func (p *fakeIdP) setUser(u idpUser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.user = u
}

func (p *fakeIdP) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                p.issuer,
		"authorization_endpoint":                p.issuer + "/authorize",
		"token_endpoint":                        p.issuer + "/token",
		"jwks_uri":                              p.issuer + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

// handleAuthorize approves immediately and redirects back with a code.
func (p *fakeIdP) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != testClientID || q.Get("response_type") != "code" {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		http.Error(w, "pkce required", http.StatusBadRequest)
		return
	}

	code := randomString()
	p.mu.Lock()
	p.pending[code] = pendingCode{challenge: q.Get("code_challenge"), nonce: q.Get("nonce")}
	p.mu.Unlock()

	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	rq := redirect.Query()
	rq.Set("code", code)
	rq.Set("state", q.Get("state"))
	redirect.RawQuery = rq.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (p *fakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID, clientSecret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if clientID != testClientID || clientSecret != testClientSecret {
		writeTokenError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	code := r.PostForm.Get("code")
	p.mu.Lock()
	pending, found := p.pending[code]
	delete(p.pending, code)
	user := p.user
	p.mu.Unlock()
	if !found {
		writeTokenError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != pending.challenge {
		writeTokenError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	now := time.Now()
	idToken := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":                p.issuer,
		"aud":                testClientID,
		"sub":                user.Subject,
		"iat":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
		"nonce":              pending.nonce,
		"preferred_username": user.PreferredUsername,
		"email":              user.Email,
		"name":               user.Name,
		"groups":             user.Groups,
	})
	idToken.Header["kid"] = testKeyID
	signed, err := idToken.SignedString(p.privateKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": "access-" + code,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     signed,
	})
}

func (p *fakeIdP) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	pub := p.privateKey.PublicKey
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": testKeyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func writeTokenError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func randomString() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// authorize follows the authorization URL and returns the callback URL the
// identity provider redirected to.
func (p *fakeIdP) authorize(t *testing.T, authURL string) string {
	t.Helper()

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	return resp.Header.Get("Location")
}
