package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/skolara/skolara/internal/audit/http"
	"github.com/skolara/skolara/internal/auth"
	"github.com/skolara/skolara/internal/observability"
	"github.com/skolara/skolara/internal/rbac"
	"github.com/skolara/skolara/internal/sandbox"
	"github.com/skolara/skolara/internal/shared"
	"github.com/skolara/skolara/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	AuthHandler    *auth.Handler
	RBACHandler    *rbac.Handler
	SandboxHandler *sandbox.Handler
	AuditHandler   *audithttp.Handler
	JobHandler     *jobs.Handler
	RBACMiddleware rbac.Middleware
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with Skolara defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/auth", params.AuthHandler.MountRoutes)
	if params.RBACHandler != nil {
		r.Route("/api/permissions", params.RBACHandler.MountRoutes)
	}
	if params.SandboxHandler != nil {
		r.Route("/api/sandbox", params.SandboxHandler.MountRoutes)
	}
	if params.AuditHandler != nil {
		r.Route("/api/audit", func(r chi.Router) {
			params.AuditHandler.MountRoutes(r, params.RBACMiddleware.RequireAny)
		})
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
