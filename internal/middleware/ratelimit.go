package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rjsadow/gatekeeper/internal/authclient"
	"github.com/rjsadow/gatekeeper/internal/guard"
)

// RateLimiter tracks per-IP request rates for the sign-in routes, where a
// misconfigured client can otherwise loop between the app and the identity
// provider. Limits are per replica.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stop     chan struct{}
	once     sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter that allows r requests per second
// with a maximum burst of b. Stale entries are cleaned up until Stop.
func NewRateLimiter(r rate.Limit, b int) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     r,
		burst:    b,
		cleanup:  3 * time.Minute,
		stop:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow checks whether a request from the given IP is allowed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()
	return v.limiter.Allow()
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.evict(time.Now())
		}
	}
}

// evict removes visitors not seen within the cleanup window.
func (rl *RateLimiter) evict(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.cleanup {
			delete(rl.visitors, ip)
		}
	}
}

// RateLimit rejects requests over the limit with 429.
func RateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(clientIP(r)) {
				rl.reject(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) reject(w http.ResponseWriter) {
	retry := 1
	if rl.rate > 0 {
		retry = max(1, int(1/float64(rl.rate)))
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	http.Error(w, "Too many requests", http.StatusTooManyRequests)
}

// LimitSignIns returns a factory whose collaborators draw from rl before
// starting a sign-in, so guarded routes share the budget of the sign-in
// routes. Over the limit SignInWithRedirect answers 429 and returns
// ErrSignInRateLimited.
func LimitSignIns(factory CollaboratorFactory, rl *RateLimiter) CollaboratorFactory {
	return &limitedFactory{next: factory, rl: rl}
}

// ErrSignInRateLimited is returned by rate-limited collaborators.
var ErrSignInRateLimited = errors.New("sign-in rate limit exceeded")

type limitedFactory struct {
	next CollaboratorFactory
	rl   *RateLimiter
}

func (f *limitedFactory) ForRequest(w http.ResponseWriter, r *http.Request) guard.Collaborator {
	return &limitedCollaborator{Collaborator: f.next.ForRequest(w, r), rl: f.rl, w: w, r: r}
}

type limitedCollaborator struct {
	guard.Collaborator
	rl *RateLimiter
	w  http.ResponseWriter
	r  *http.Request
}

func (c *limitedCollaborator) SignInWithRedirect(ctx context.Context, opts *guard.SignInOptions) error {
	if !c.rl.Allow(clientIP(c.r)) {
		c.rl.reject(c.w)
		return ErrSignInRateLimited
	}
	return c.Collaborator.SignInWithRedirect(ctx, opts)
}

// Identity forwards to the wrapped collaborator when it carries one.
func (c *limitedCollaborator) Identity() *authclient.Identity {
	if src, ok := c.Collaborator.(authclient.IdentitySource); ok {
		return src.Identity()
	}
	return nil
}

// clientIP extracts the client IP from a request, respecting X-Forwarded-For
// when present (common behind load balancers).
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
