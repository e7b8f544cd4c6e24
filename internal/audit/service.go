package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ListRepository menyediakan akses baca ke tabel sandbox_audit.
type ListRepository interface {
	List(ctx context.Context, sessionID *uuid.UUID, role string, limit, offset int) ([]Record, error)
}

// Service mengoordinasikan pembacaan jejak audit.
type Service struct {
	repo ListRepository
}

// NewService membuat service audit baru.
func NewService(repo ListRepository) *Service {
	return &Service{repo: repo}
}

// List mengambil jejak audit dengan paging.
func (s *Service) List(ctx context.Context, filters ListFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize
	records, err := s.repo.List(ctx, filters.SessionID, filters.Role, pageSize+1, offset)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(records) > pageSize
	if hasNext {
		records = records[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Records: records, Paging: paging}, nil
}

// ListBySession mengambil seluruh jejak sebuah sesi sandbox, terurut sesuai
// urutan penyisipan.
func (s *Service) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]Record, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.List(ctx, &sessionID, "", exportBatch, 0)
}

// ListByRole mengambil seluruh jejak untuk sebuah role.
func (s *Service) ListByRole(ctx context.Context, role string) ([]Record, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.List(ctx, nil, role, exportBatch, 0)
}

const exportBatch = 10000

// ExportCSV menulis jejak audit sebagai CSV ke writer.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, filters ListFilters) error {
	if s.repo == nil {
		return fmt.Errorf("audit: repository not configured")
	}
	records, err := s.repo.List(ctx, filters.SessionID, filters.Role, exportBatch, 0)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "role", "permission_key", "old_granted", "new_granted", "change_kind", "actor_id", "session_id", "occurred_at"}); err != nil {
		return err
	}
	for _, rec := range records {
		oldGranted := ""
		if rec.OldGranted != nil {
			oldGranted = strconv.FormatBool(*rec.OldGranted)
		}
		row := []string{
			strconv.FormatInt(rec.ID, 10),
			rec.Role,
			rec.PermissionKey,
			oldGranted,
			strconv.FormatBool(rec.NewGranted),
			rec.ChangeKind,
			strconv.FormatInt(rec.ActorID, 10),
			rec.SessionID.String(),
			rec.OccurredAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
