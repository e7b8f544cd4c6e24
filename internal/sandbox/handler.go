package sandbox

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/skolara/skolara/internal/rbac"
	"github.com/skolara/skolara/internal/shared"
)

// Handler wires the sandbox mutation endpoint and session management.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	actors    rbac.ActorLookup
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, actors rbac.ActorLookup, guard rbac.Middleware) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		actors:    actors,
		rbac:      guard,
		validator: validator.New(),
	}
}

// MountRoutes registers sandbox routes.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(30, time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			sess := shared.SessionFromContext(r.Context())
			if sess != nil {
				if user := strings.TrimSpace(sess.User()); user != "" {
					return "user:" + user, nil
				}
			}
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				return "ip:" + r.RemoteAddr, nil
			}
			return "ip:" + host, nil
		}),
	)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermSandboxManage))
		r.With(limiter).Post("/permissions", h.handleMutate)
		r.Get("/session", h.handleSessionStatus)
		r.Delete("/session", h.handleSessionTeardown)
	})
}

type mutationPayload struct {
	Role           string `json:"role" validate:"required"`
	PermissionKey  string `json:"permission_key" validate:"required"`
	DesiredGranted *bool  `json:"desired_granted" validate:"required"`
	Reason         string `json:"reason" validate:"max=500"`
	DryRun         bool   `json:"dry_run"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=128"`
}

type overlayResponse struct {
	ID            string `json:"id"`
	Role          string `json:"role"`
	PermissionKey string `json:"permission_key"`
	Granted       bool   `json:"granted"`
	SessionID     string `json:"test_session_id"`
	CreatedBy     int64  `json:"created_by"`
	Reason        string `json:"reason,omitempty"`
	Active        bool   `json:"active"`
	CreatedAt     string `json:"created_at"`
	ExpiresAt     string `json:"expires_at"`
}

// mutationResponse describes the outcome of one mutation call. When
// session_provisional is true, test_session_id is a candidate generated for
// that preview alone; repeated dry runs without a live session each report a
// different one, and the real ID is assigned by the first non-dry-run call.
type mutationResponse struct {
	Overlay            *overlayResponse `json:"overlay,omitempty"`
	Preview            *overlayResponse `json:"preview,omitempty"`
	ChangeKind         string           `json:"change_kind"`
	SessionID          string           `json:"test_session_id"`
	SessionProvisional bool             `json:"session_provisional,omitempty"`
	Idempotent         bool             `json:"idempotent"`
	Applied            bool             `json:"applied"`
}

func (h *Handler) handleMutate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.currentActor(w, r)
	if !ok {
		return
	}

	var payload mutationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := h.validator.Struct(payload); err != nil {
		writeValidationErrors(w, err)
		return
	}

	result, err := h.service.Mutate(r.Context(), MutationRequest{
		Actor:          actor,
		Role:           rbac.Role(payload.Role),
		PermissionKey:  rbac.PermissionKey(payload.PermissionKey),
		DesiredGranted: *payload.DesiredGranted,
		Reason:         payload.Reason,
		DryRun:         payload.DryRun,
		IdempotencyKey: payload.IdempotencyKey,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := mutationResponse{
		ChangeKind:         string(result.Classification),
		SessionID:          result.SessionID.String(),
		SessionProvisional: result.SessionProvisional,
		Idempotent:         result.Idempotent,
		Applied:            result.Applied,
	}
	if result.Overlay != nil {
		body := toOverlayResponse(*result.Overlay)
		if result.Applied || result.Idempotent || result.Classification == ChangeNone {
			resp.Overlay = &body
		} else {
			resp.Preview = &body
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.currentActor(w, r)
	if !ok {
		return
	}
	sess, overlays, found, err := h.service.Status(r.Context(), actor.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	out := make([]overlayResponse, 0, len(overlays))
	for _, o := range overlays {
		out = append(out, toOverlayResponse(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":          true,
		"test_session_id": sess.ID.String(),
		"created_at":      sess.CreatedAt.UTC().Format(time.RFC3339),
		"expires_at":      sess.ExpiresAt.UTC().Format(time.RFC3339),
		"overlays":        out,
	})
}

func (h *Handler) handleSessionTeardown(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.currentActor(w, r)
	if !ok {
		return
	}
	if err := h.service.Teardown(r.Context(), actor); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			http.Error(w, "no active test session", http.StatusNotFound)
			return
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": false})
}

func (h *Handler) currentActor(w http.ResponseWriter, r *http.Request) (rbac.Actor, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || strings.TrimSpace(sess.User()) == "" {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return rbac.Actor{}, false
	}
	userID, err := strconv.ParseInt(strings.TrimSpace(sess.User()), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return rbac.Actor{}, false
	}
	actor, err := h.actors.Lookup(r.Context(), userID)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return rbac.Actor{}, false
	}
	return actor, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrUnauthorized):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, shared.ErrValidation):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, shared.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		if h.logger != nil {
			h.logger.Error("sandbox mutation", slog.Any("error", err))
		}
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeValidationErrors(w http.ResponseWriter, err error) {
	fields := make(map[string]string)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fieldErr := range verrs {
			fields[fieldErr.Field()] = fieldErr.Tag()
		}
	}
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"error":  "validation failed",
		"fields": fields,
	})
}

func toOverlayResponse(o Overlay) overlayResponse {
	return overlayResponse{
		ID:            o.ID.String(),
		Role:          string(o.Role),
		PermissionKey: string(o.PermissionKey),
		Granted:       o.Granted,
		SessionID:     o.SessionID.String(),
		CreatedBy:     o.CreatedBy,
		Reason:        o.Reason,
		Active:        o.Active,
		CreatedAt:     o.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:     o.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
