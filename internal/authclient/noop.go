package authclient

import (
	"context"
	"net/http"

	"github.com/rjsadow/gatekeeper/internal/guard"
)

// NoopUsername is the principal every request is attributed to by NoopClient.
const NoopUsername = "anonymous"

// NoopClient authenticates every request. Intended for development only.
type NoopClient struct {
	guardCfg *guard.Config
}

// NewNoopClient creates a noop provider. cfg may be nil.
func NewNoopClient(cfg *guard.Config) *NoopClient {
	return &NoopClient{guardCfg: cfg}
}

func (c *NoopClient) ForRequest(w http.ResponseWriter, r *http.Request) guard.Collaborator {
	return &noopSession{client: c, w: w, r: r}
}

// HandleCallback has nothing to complete and redirects to /.
func (c *NoopClient) HandleCallback(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusFound)
}

func (c *NoopClient) Logout(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusFound)
}

func (c *NoopClient) Healthy(ctx context.Context) bool { return true }
func (c *NoopClient) Close() error                     { return nil }

type noopSession struct {
	client      *NoopClient
	w           http.ResponseWriter
	r           *http.Request
	originalURI string
}

func (s *noopSession) IsAuthenticated(ctx context.Context) (bool, error) {
	return true, nil
}

// SignInWithRedirect has no identity provider to visit and sends the
// browser straight to the original URI.
func (s *noopSession) SignInWithRedirect(ctx context.Context, opts *guard.SignInOptions) error {
	target := "/"
	candidates := []string{s.originalURI, s.r.URL.Query().Get("redirect")}
	if opts != nil {
		candidates = append([]string{opts.OriginalURI}, candidates...)
	}
	for _, c := range candidates {
		if p, ok := sameOriginPath(c, s.r.Host); ok {
			target = p
			break
		}
	}
	http.Redirect(s.w, s.r, target, http.StatusFound)
	return nil
}

func (s *noopSession) SetOriginalURI(uri string) { s.originalURI = uri }

func (s *noopSession) Config() *guard.Config { return s.client.guardCfg }

func (s *noopSession) Identity() *Identity {
	return &Identity{Subject: NoopUsername, Username: NoopUsername}
}
