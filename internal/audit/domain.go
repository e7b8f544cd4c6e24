package audit

import (
	"time"

	"github.com/google/uuid"
)

// Record adalah satu fakta perubahan overlay yang sudah dipersister.
// Append-only; tidak pernah diubah atau dihapus.
type Record struct {
	ID            int64
	Role          string
	PermissionKey string
	// OldGranted nil ketika belum ada overlay sebelumnya untuk kunci ini.
	OldGranted *bool
	NewGranted bool
	ChangeKind string
	ActorID    int64
	SessionID  uuid.UUID
	OccurredAt time.Time
}

// ListFilters membatasi hasil listing.
type ListFilters struct {
	SessionID *uuid.UUID
	Role      string
	Page      int
	PageSize  int
}

// PagingInfo menjelaskan posisi halaman pada hasil listing.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Result membungkus hasil listing dengan informasi paging.
type Result struct {
	Records []Record
	Paging  PagingInfo
}
