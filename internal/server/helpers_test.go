package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/rjsadow/gatekeeper/internal/authclient"
	"github.com/rjsadow/gatekeeper/internal/guard"
)

const fakeAuthorizeURL = "https://idp.example.com/authorize"

// fakeProvider is an authclient.Provider whose answers are set by the test.
type fakeProvider struct {
	mu            sync.Mutex
	authenticated bool
	healthy       bool
	identity      *authclient.Identity
	signIns       int
	callbacks     int
	logouts       int
	lastOriginal  string
}

func (p *fakeProvider) ForRequest(w http.ResponseWriter, r *http.Request) guard.Collaborator {
	return &fakeSession{p: p, w: w, r: r}
}

func (p *fakeProvider) HandleCallback(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.callbacks++
	p.mu.Unlock()
	http.Redirect(w, r, "/", http.StatusFound)
}

func (p *fakeProvider) Logout(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.logouts++
	p.mu.Unlock()
	http.Redirect(w, r, "/", http.StatusFound)
}

func (p *fakeProvider) Healthy(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

func (p *fakeProvider) Close() error { return nil }

func (p *fakeProvider) signInCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signIns
}

type fakeSession struct {
	p           *fakeProvider
	w           http.ResponseWriter
	r           *http.Request
	originalURI string
}

func (s *fakeSession) IsAuthenticated(context.Context) (bool, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.p.authenticated, nil
}

func (s *fakeSession) SignInWithRedirect(context.Context, *guard.SignInOptions) error {
	s.p.mu.Lock()
	s.p.signIns++
	s.p.lastOriginal = s.originalURI
	s.p.mu.Unlock()
	http.Redirect(s.w, s.r, fakeAuthorizeURL, http.StatusFound)
	return nil
}

func (s *fakeSession) SetOriginalURI(uri string) { s.originalURI = uri }
func (s *fakeSession) Config() *guard.Config     { return nil }

func (s *fakeSession) Identity() *authclient.Identity {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.p.identity
}
