package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing/fstest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/time/rate"

	"github.com/rjsadow/gatekeeper/internal/authclient"
	"github.com/rjsadow/gatekeeper/internal/config"
	"github.com/rjsadow/gatekeeper/internal/db"
	"github.com/rjsadow/gatekeeper/internal/metrics"
	"github.com/rjsadow/gatekeeper/internal/middleware"
)

var _ = Describe("App", func() {
	var (
		database *db.DB
		provider *fakeProvider
		app      *App
		handler  http.Handler
	)

	noRedirect := func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	serve := func(method, target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
		return rec
	}

	BeforeEach(func() {
		var err error
		database, err = db.Open(filepath.Join(GinkgoT().TempDir(), "server.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(database.Close)

		provider = &fakeProvider{healthy: true}
		app = &App{
			DB:     database,
			Auth:   provider,
			Config: &config.Config{AuthProvider: config.AuthProviderOIDC},
			StaticFS: fstest.MapFS{
				"index.html":    {Data: []byte("<html>spa</html>")},
				"assets/app.js": {Data: []byte("console.log('app')")},
			},
		}
	})

	JustBeforeEach(func() {
		handler = app.Handler()
	})

	Describe("observability", func() {
		It("answers liveness", func() {
			rec := serve(http.MethodGet, "/healthz")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"ok"`))

			Expect(serve(http.MethodPost, "/healthz").Code).To(Equal(http.StatusMethodNotAllowed))
		})

		It("reports ready when the database and provider are healthy", func() {
			rec := serve(http.MethodGet, "/readyz")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var body map[string]any
			Expect(json.NewDecoder(rec.Body).Decode(&body)).To(Succeed())
			Expect(body["status"]).To(Equal("ready"))
		})

		It("reports not ready when the provider is unhealthy", func() {
			provider.healthy = false
			Expect(serve(http.MethodGet, "/readyz").Code).To(Equal(http.StatusServiceUnavailable))
		})

		It("sets security headers and a request id on every response", func() {
			rec := serve(http.MethodGet, "/healthz")
			Expect(rec.Header().Get("X-Frame-Options")).To(Equal("DENY"))
			Expect(rec.Header().Get(middleware.RequestIDHeader)).NotTo(BeEmpty())
		})

		When("a metrics registry is configured", func() {
			BeforeEach(func() {
				app.Metrics = metrics.NewRegistry()
			})

			It("exposes guard decisions", func() {
				serve(http.MethodGet, "/dashboard")

				rec := serve(http.MethodGet, "/metrics")
				Expect(rec.Code).To(Equal(http.StatusOK))
				Expect(rec.Body.String()).To(ContainSubstring("gatekeeper_guard_decisions_total"))
			})
		})

		It("does not serve /metrics without a registry", func() {
			// falls through to the guarded SPA, which redirects
			Expect(serve(http.MethodGet, "/metrics").Code).To(Equal(http.StatusFound))
		})
	})

	Describe("guarded application routes", func() {
		Context("when unauthenticated", func() {
			It("redirects deep links to the identity provider and remembers them", func() {
				rec := serve(http.MethodGet, "/reports/42?tab=summary")

				Expect(rec.Code).To(Equal(http.StatusFound))
				Expect(rec.Header().Get("Location")).To(Equal(fakeAuthorizeURL))
				Expect(provider.signInCount()).To(Equal(1))
				Expect(provider.lastOriginal).To(Equal("/reports/42?tab=summary"))
			})

			It("answers API routes with a JSON 401 instead of redirecting", func() {
				rec := serve(http.MethodGet, "/api/me")

				Expect(rec.Code).To(Equal(http.StatusUnauthorized))
				Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))
				Expect(provider.signInCount()).To(BeZero())
			})

			It("records rejected audit log requests", func() {
				rec := serve(http.MethodGet, "/api/audit")
				Expect(rec.Code).To(Equal(http.StatusUnauthorized))

				logs, err := database.ListAuditLogs(context.Background(), 10)
				Expect(err).NotTo(HaveOccurred())
				Expect(logs).To(HaveLen(1))
				Expect(logs[0].Action).To(Equal(AuditActionDenied))
				Expect(logs[0].Details).To(ContainSubstring("/api/audit"))
			})
		})

		Context("when authenticated", func() {
			BeforeEach(func() {
				provider.authenticated = true
				provider.identity = &authclient.Identity{Subject: "u-1", Username: "alice"}
			})

			It("serves the SPA and its assets", func() {
				rec := serve(http.MethodGet, "/")
				Expect(rec.Code).To(Equal(http.StatusOK))
				Expect(rec.Body.String()).To(ContainSubstring("spa"))

				rec = serve(http.MethodGet, "/assets/app.js")
				Expect(rec.Code).To(Equal(http.StatusOK))
				Expect(rec.Header().Get("Cache-Control")).To(ContainSubstring("immutable"))
			})

			It("falls back to index.html for client-side routes", func() {
				rec := serve(http.MethodGet, "/reports/42")
				Expect(rec.Code).To(Equal(http.StatusOK))
				Expect(rec.Body.String()).To(ContainSubstring("spa"))
			})

			It("returns the identity from /api/me", func() {
				rec := serve(http.MethodGet, "/api/me")
				Expect(rec.Code).To(Equal(http.StatusOK))

				var id authclient.Identity
				Expect(json.NewDecoder(rec.Body).Decode(&id)).To(Succeed())
				Expect(id.Username).To(Equal("alice"))
			})

			It("lists audit entries with a limit", func() {
				ctx := context.Background()
				for _, action := range []string{"SSO_LOGIN", "LOGOUT", "SSO_LOGIN"} {
					Expect(database.LogAudit(ctx, "alice", action, "")).To(Succeed())
				}

				rec := serve(http.MethodGet, "/api/audit?limit=2")
				Expect(rec.Code).To(Equal(http.StatusOK))
				var logs []db.AuditLog
				Expect(json.NewDecoder(rec.Body).Decode(&logs)).To(Succeed())
				Expect(logs).To(HaveLen(2))

				Expect(serve(http.MethodGet, "/api/audit?limit=abc").Code).To(Equal(http.StatusBadRequest))
			})

			It("never triggers a sign-in", func() {
				serve(http.MethodGet, "/reports/42")
				Expect(provider.signInCount()).To(BeZero())
			})
		})
	})

	Describe("sign-in routes", func() {
		It("always redirects /login to the identity provider", func() {
			provider.authenticated = true

			rec := serve(http.MethodGet, "/login?redirect=%2Freports")
			Expect(rec.Code).To(Equal(http.StatusFound))
			Expect(rec.Header().Get("Location")).To(Equal(fakeAuthorizeURL))
			Expect(rec.Header().Get("Cache-Control")).To(Equal("no-store"))
			Expect(provider.signInCount()).To(Equal(1))
		})

		It("hands callbacks to the provider", func() {
			Expect(serve(http.MethodGet, "/login/callback?code=c&state=s").Code).To(Equal(http.StatusFound))
			Expect(provider.callbacks).To(Equal(1))
		})

		It("only logs out on POST", func() {
			Expect(serve(http.MethodGet, "/logout").Code).To(Equal(http.StatusMethodNotAllowed))
			Expect(serve(http.MethodPost, "/logout").Code).To(Equal(http.StatusFound))
			Expect(provider.logouts).To(Equal(1))
		})

		When("a login rate limit is configured", func() {
			BeforeEach(func() {
				app.LoginLimiter = middleware.NewRateLimiter(rate.Limit(0.1), 2)
				DeferCleanup(app.LoginLimiter.Stop)
			})

			It("rejects bursts from one client", func() {
				Expect(serve(http.MethodGet, "/login").Code).To(Equal(http.StatusFound))
				Expect(serve(http.MethodGet, "/login").Code).To(Equal(http.StatusFound))
				Expect(serve(http.MethodGet, "/login").Code).To(Equal(http.StatusTooManyRequests))
			})

			It("limits sign-ins started by guarded routes", func() {
				codes := map[int]int{}
				for range 50 {
					codes[serve(http.MethodGet, "/deep/link").Code]++
				}

				Expect(codes[http.StatusFound]).To(Equal(2))
				Expect(codes[http.StatusTooManyRequests]).To(Equal(48))
				Expect(provider.signInCount()).To(Equal(2))
			})

			It("shares one budget between /login and guarded routes", func() {
				Expect(serve(http.MethodGet, "/login").Code).To(Equal(http.StatusFound))
				Expect(serve(http.MethodGet, "/reports").Code).To(Equal(http.StatusFound))
				Expect(serve(http.MethodGet, "/reports").Code).To(Equal(http.StatusTooManyRequests))
				Expect(serve(http.MethodGet, "/login").Code).To(Equal(http.StatusTooManyRequests))
			})

			It("never limits signed-in clients", func() {
				provider.authenticated = true
				for range 10 {
					Expect(serve(http.MethodGet, "/").Code).To(Equal(http.StatusOK))
				}
			})
		})
	})

	Describe("with the noop provider over a real listener", func() {
		var server *httptest.Server

		BeforeEach(func() {
			app.Auth = authclient.NewNoopClient(nil)
			app.Config.AuthProvider = config.AuthProviderNoop
		})

		JustBeforeEach(func() {
			server = httptest.NewServer(handler)
			DeferCleanup(server.Close)
		})

		It("treats every request as anonymous", func() {
			resp, err := http.Get(server.URL + "/api/me")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring(authclient.NoopUsername))
		})

		It("sends /login straight back to the requested page", func() {
			client := &http.Client{CheckRedirect: noRedirect}
			resp, err := client.Get(server.URL + "/login?redirect=%2Freports")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusFound))
			Expect(resp.Header.Get("Location")).To(Equal("/reports"))
		})
	})
})
