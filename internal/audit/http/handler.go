package audithttp

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/skolara/skolara/internal/audit"
)

// Handler melayani endpoint baca jejak audit.
type Handler struct {
	logger  *slog.Logger
	service *audit.Service
}

// NewHandler membuat handler audit baru.
func NewHandler(logger *slog.Logger, service *audit.Service) *Handler {
	return &Handler{logger: logger, service: service}
}

type recordResponse struct {
	ID            int64  `json:"id"`
	Role          string `json:"role"`
	PermissionKey string `json:"permission_key"`
	OldGranted    *bool  `json:"old_granted"`
	NewGranted    bool   `json:"new_granted"`
	ChangeKind    string `json:"change_kind"`
	ActorID       int64  `json:"actor_id"`
	SessionID     string `json:"test_session_id"`
	OccurredAt    string `json:"occurred_at"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filters, ok := parseFilters(w, r)
	if !ok {
		return
	}
	result, err := h.service.List(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit list", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	records := make([]recordResponse, 0, len(result.Records))
	for _, rec := range result.Records {
		records = append(records, toResponse(rec))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"records": records,
		"paging": map[string]any{
			"page":      result.Paging.Page,
			"page_size": result.Paging.PageSize,
			"has_next":  result.Paging.HasNext,
		},
	})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, ok := parseFilters(w, r)
	if !ok {
		return
	}
	filename := "audit-" + time.Now().UTC().Format("20060102-150405") + ".csv"
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if err := h.service.ExportCSV(r.Context(), w, filters); err != nil {
		h.logger.Error("audit export", slog.Any("error", err))
	}
}

func parseFilters(w http.ResponseWriter, r *http.Request) (audit.ListFilters, bool) {
	filters := audit.ListFilters{
		Role: strings.TrimSpace(r.URL.Query().Get("role")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("session_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid session_id", http.StatusBadRequest)
			return audit.ListFilters{}, false
		}
		filters.SessionID = &id
	}
	if raw := r.URL.Query().Get("page"); raw != "" {
		if page, err := strconv.Atoi(raw); err == nil {
			filters.Page = page
		}
	}
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		if size, err := strconv.Atoi(raw); err == nil {
			filters.PageSize = size
		}
	}
	return filters, true
}

func toResponse(rec audit.Record) recordResponse {
	return recordResponse{
		ID:            rec.ID,
		Role:          rec.Role,
		PermissionKey: rec.PermissionKey,
		OldGranted:    rec.OldGranted,
		NewGranted:    rec.NewGranted,
		ChangeKind:    rec.ChangeKind,
		ActorID:       rec.ActorID,
		SessionID:     rec.SessionID.String(),
		OccurredAt:    rec.OccurredAt.UTC().Format(time.RFC3339),
	}
}
