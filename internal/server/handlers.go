package server

import (
	"context"
	"encoding/json"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/rjsadow/gatekeeper/internal/db"
	"github.com/rjsadow/gatekeeper/internal/guard"
	"github.com/rjsadow/gatekeeper/internal/middleware"
)

// AuditActionDenied is recorded when an unauthenticated client asks for the
// audit log.
const AuditActionDenied = "AUTH_REQUIRED"

const maxAuditLimit = 1000

// handlers binds HTTP handler methods to an App's dependencies.
type handlers struct {
	app *App
}

func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *handlers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ready := true
	checks := make(map[string]any)

	if err := h.app.DB.Ping(r.Context()); err != nil {
		ready = false
		checks["database"] = map[string]string{"status": "unhealthy", "error": err.Error()}
	} else {
		checks["database"] = map[string]string{"status": "healthy"}
	}

	provider := ""
	if h.app.Config != nil {
		provider = h.app.Config.AuthProvider
	}
	if h.app.Auth.Healthy(r.Context()) {
		checks["auth"] = map[string]string{"status": "healthy", "provider": provider}
	} else {
		ready = false
		checks["auth"] = map[string]string{"status": "unhealthy", "provider": provider}
	}

	w.Header().Set("Content-Type", "application/json")
	if ready {
		checks["status"] = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		checks["status"] = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(checks)
}

// handleLogin always starts a new sign-in, even for authenticated users.
func (h *handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	guard.NewLoginRedirect(h.app.Auth.ForRequest(w, r)).Activate(r.Context())
}

func (h *handlers) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.app.Auth.HandleCallback(w, r)
}

func (h *handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.app.Auth.Logout(w, r)
}

func (h *handlers) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := middleware.GetIdentityFromContext(r.Context())
	if id == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(id)
}

func (h *handlers) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxAuditLimit)
	}

	logs, err := h.app.DB.ListAuditLogs(r.Context(), limit)
	if err != nil {
		slog.Error("error querying audit logs", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []db.AuditLog{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(logs)
}

// handleIndex stands in for the SPA when no static directory is configured.
func (h *handlers) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if id := middleware.GetIdentityFromContext(r.Context()); id != nil {
		w.Write([]byte("Signed in as " + id.Username + "\n"))
		return
	}
	w.Write([]byte("Signed in\n"))
}

func (h *handlers) staticHandler(fileServer http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/" {
			path = "/index.html"
		}

		if strings.HasSuffix(path, ".html") {
			w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		} else if strings.HasPrefix(path, "/assets/") {
			w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		}

		if _, err := fs.Stat(h.app.StaticFS, path[1:]); err == nil {
			fileServer.ServeHTTP(w, r)
			return
		}

		// unknown paths belong to the client-side router
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/"
		fileServer.ServeHTTP(w, r2)
	}
}

// auditDenied records the rejected request before answering 401.
func auditDenied(ctx context.Context, auth guard.Collaborator, injector guard.Injector) {
	database, okDB := guard.Resolve[*db.DB](injector, DBToken)
	r, okR := guard.Resolve[*http.Request](injector, middleware.RequestToken)
	if okDB && okR && database != nil {
		details := r.Method + " " + r.URL.Path + " from " + r.RemoteAddr
		if err := database.LogAudit(ctx, "anonymous", AuditActionDenied, details); err != nil {
			slog.Warn("failed to write audit log", "action", AuditActionDenied, "error", err)
		}
	}
	middleware.UnauthorizedJSON(ctx, auth, injector)
}
