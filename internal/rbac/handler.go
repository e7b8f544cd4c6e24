package rbac

import (
	"encoding/json"
	"net/http"
	"strings"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/skolara/skolara/internal/shared"
)

// Handler exposes the resolution query endpoints consumed by the rest of
// the platform and by the administration UI. Resolution metrics live in the
// Resolver itself.
type Handler struct {
	logger   *slog.Logger
	resolver *Resolver
	catalog  *Catalog
	rbac     Middleware
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, resolver *Resolver, catalog *Catalog, rbac Middleware) *Handler {
	return &Handler{logger: logger, resolver: resolver, catalog: catalog, rbac: rbac}
}

// MountRoutes registers permission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermPermissionsView))
		r.Get("/", h.handleList)
		r.Get("/resolve", h.handleResolve)
		r.Get("/keys", h.handleKeys)
	})
}

type resolveResponse struct {
	Role          string `json:"role"`
	PermissionKey string `json:"permission_key"`
	Granted       bool   `json:"granted"`
	Source        string `json:"source"`
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	role := strings.TrimSpace(r.URL.Query().Get("role"))
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if role == "" || key == "" {
		http.Error(w, "role and key are required", http.StatusBadRequest)
		return
	}
	sessionID, ok := parseSessionID(r.URL.Query().Get("session_id"))
	if !ok {
		http.Error(w, "invalid session_id", http.StatusBadRequest)
		return
	}
	eff, err := h.resolver.Resolve(r.Context(), Role(role), PermissionKey(key), sessionID)
	if err != nil {
		h.logger.Error("resolve permission", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{
		Role:          string(eff.Role),
		PermissionKey: string(eff.PermissionKey),
		Granted:       eff.Granted,
		Source:        string(eff.Source),
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	role := strings.TrimSpace(r.URL.Query().Get("role"))
	if role == "" {
		http.Error(w, "role is required", http.StatusBadRequest)
		return
	}
	sessionID, ok := parseSessionID(r.URL.Query().Get("session_id"))
	if !ok {
		http.Error(w, "invalid session_id", http.StatusBadRequest)
		return
	}
	effs, err := h.resolver.ResolveAll(r.Context(), Role(role), sessionID)
	if err != nil {
		h.logger.Error("resolve role", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	out := make([]resolveResponse, 0, len(effs))
	for _, eff := range effs {
		out = append(out, resolveResponse{
			Role:          string(eff.Role),
			PermissionKey: string(eff.PermissionKey),
			Granted:       eff.Granted,
			Source:        string(eff.Source),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": role, "permissions": out})
}

func (h *Handler) handleKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.catalog.ListKeys(r.Context())
	if err != nil {
		h.logger.Error("list permission keys", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func parseSessionID(raw string) (*uuid.UUID, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, false
	}
	return &id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
