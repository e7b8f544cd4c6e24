package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for audit records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// AppendTx inserts a record inside the caller's transaction. The overlay
// write and its audit record must commit together, so this is the only
// append path.
func (r *Repository) AppendTx(ctx context.Context, tx pgx.Tx, rec Record) error {
	if rec.Role == "" || rec.PermissionKey == "" || rec.ChangeKind == "" {
		return fmt.Errorf("audit: record requires role/permission_key/change_kind")
	}
	occurredAt := rec.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO sandbox_audit (role, permission_key, old_granted, new_granted, change_kind, actor_id, session_id, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.Role, rec.PermissionKey, rec.OldGranted, rec.NewGranted, rec.ChangeKind, rec.ActorID, rec.SessionID, occurredAt)
	return err
}

// List returns records matching the filters, newest first within the
// window, ordered by insertion sequence so overlay history per key can be
// reconstructed.
func (r *Repository) List(ctx context.Context, sessionID *uuid.UUID, role string, limit, offset int) ([]Record, error) {
	const base = `SELECT id, role, permission_key, old_granted, new_granted, change_kind, actor_id, session_id, occurred_at
		FROM sandbox_audit`
	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case sessionID != nil:
		rows, err = r.pool.Query(ctx, base+` WHERE session_id=$1 ORDER BY id LIMIT $2 OFFSET $3`, *sessionID, limit, offset)
	case role != "":
		rows, err = r.pool.Query(ctx, base+` WHERE role=$1 ORDER BY id LIMIT $2 OFFSET $3`, role, limit, offset)
	default:
		rows, err = r.pool.Query(ctx, base+` ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Role, &rec.PermissionKey, &rec.OldGranted, &rec.NewGranted, &rec.ChangeKind, &rec.ActorID, &rec.SessionID, &rec.OccurredAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
