package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skolara/skolara/internal/audit"
	"github.com/skolara/skolara/internal/platform/db"
	"github.com/skolara/skolara/internal/rbac"
	"github.com/skolara/skolara/internal/shared"
)

// Store provides PostgreSQL backed persistence for overlays. A partial
// unique index on (role, permission_key, session_id) WHERE active makes the
// at-most-one-active invariant a storage fact; replace and audit commit in
// one transaction.
type Store struct {
	pool  *pgxpool.Pool
	audit *audit.Repository
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool, auditRepo *audit.Repository) *Store {
	return &Store{pool: pool, audit: auditRepo}
}

const overlayColumns = `id, role, permission_key, granted, session_id, created_by, reason, change_kind, active, created_at, expires_at`

func scanOverlay(row pgx.Row) (Overlay, error) {
	var o Overlay
	var role, key, kind string
	err := row.Scan(&o.ID, &role, &key, &o.Granted, &o.SessionID, &o.CreatedBy, &o.Reason, &kind, &o.Active, &o.CreatedAt, &o.ExpiresAt)
	if err != nil {
		return Overlay{}, err
	}
	o.Role = rbac.Role(role)
	o.PermissionKey = rbac.PermissionKey(key)
	o.ChangeKind = Classification(kind)
	return o, nil
}

// FindActive returns the active, unexpired overlay for the key under the
// session, if any. Expiry is authoritative: a stale row still present in
// the table is never returned.
func (s *Store) FindActive(ctx context.Context, role rbac.Role, key rbac.PermissionKey, sessionID uuid.UUID, now time.Time) (Overlay, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+overlayColumns+` FROM sandbox_overlays
		 WHERE role=$1 AND permission_key=$2 AND session_id=$3 AND active AND expires_at > $4`,
		string(role), string(key), sessionID, now)
	o, err := scanOverlay(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Overlay{}, false, nil
		}
		return Overlay{}, false, err
	}
	return o, true, nil
}

// FindByIdempotencyMarker returns the newest overlay whose reason ends with
// the marker, compared byte for byte. Idempotency keys may contain LIKE
// metacharacters, so no pattern matching here. Used to replay retried
// mutation requests without writing.
func (s *Store) FindByIdempotencyMarker(ctx context.Context, marker string) (Overlay, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+overlayColumns+` FROM sandbox_overlays
		 WHERE right(reason, length($1)) = $1 ORDER BY created_at DESC LIMIT 1`, marker)
	o, err := scanOverlay(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Overlay{}, false, nil
		}
		return Overlay{}, false, err
	}
	return o, true, nil
}

// ReplaceActiveWithAudit atomically deactivates any current active overlay
// for the key, inserts the replacement, and appends the audit record, all
// in one RepeatableRead transaction. Losing a race against a concurrent
// replace surfaces as shared.ErrConflict, whichever statement detects it.
func (s *Store) ReplaceActiveWithAudit(ctx context.Context, o Overlay, rec audit.Record) error {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE sandbox_overlays SET active=false
			 WHERE role=$1 AND permission_key=$2 AND session_id=$3 AND active`,
			string(o.Role), string(o.PermissionKey), o.SessionID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO sandbox_overlays (`+overlayColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			o.ID, string(o.Role), string(o.PermissionKey), o.Granted, o.SessionID,
			o.CreatedBy, o.Reason, string(o.ChangeKind), o.Active, o.CreatedAt, o.ExpiresAt); err != nil {
			return err
		}
		return s.audit.AppendTx(ctx, tx, rec)
	})
	if err != nil {
		return replaceErr(err, o)
	}
	return nil
}

// replaceErr maps driver errors meaning a concurrent replace won the race to
// shared.ErrConflict: 23505 when both writers insert fresh overlays under the
// partial unique index, 40001/40P01 when they contend on the deactivation
// update at RepeatableRead. Anything else passes through untouched.
func replaceErr(err error, o Overlay) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%w: overlay for %s/%s", shared.ErrConflict, o.Role, o.PermissionKey)
		}
	}
	return err
}

// Expire deactivates every overlay under a session. Used on explicit
// teardown; passive expiry needs no write at all.
func (s *Store) Expire(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sandbox_overlays SET active=false WHERE session_id=$1 AND active`, sessionID)
	return err
}

// ListSession returns every overlay row of a session, history included,
// ordered by creation.
func (s *Store) ListSession(ctx context.Context, sessionID uuid.UUID) ([]Overlay, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+overlayColumns+` FROM sandbox_overlays WHERE session_id=$1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var overlays []Overlay
	for rows.Next() {
		o, err := scanOverlay(rows)
		if err != nil {
			return nil, err
		}
		overlays = append(overlays, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return overlays, nil
}

// PurgeExpired physically removes overlay rows expired for longer than the
// retention window. Optimization only.
func (s *Store) PurgeExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sandbox_overlays WHERE expires_at <= $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ActiveGrant implements rbac.OverlayReader.
func (s *Store) ActiveGrant(ctx context.Context, role rbac.Role, key rbac.PermissionKey, sessionID uuid.UUID, now time.Time) (bool, bool, error) {
	o, found, err := s.FindActive(ctx, role, key, sessionID, now)
	if err != nil || !found {
		return false, false, err
	}
	return o.Granted, true, nil
}

// ActiveGrants implements rbac.OverlayReader.
func (s *Store) ActiveGrants(ctx context.Context, role rbac.Role, sessionID uuid.UUID, now time.Time) (map[rbac.PermissionKey]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT permission_key, granted FROM sandbox_overlays
		 WHERE role=$1 AND session_id=$2 AND active AND expires_at > $3`,
		string(role), sessionID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	grants := make(map[rbac.PermissionKey]bool)
	for rows.Next() {
		var key string
		var granted bool
		if err := rows.Scan(&key, &granted); err != nil {
			return nil, err
		}
		grants[rbac.PermissionKey(key)] = granted
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}

var _ rbac.OverlayReader = (*Store)(nil)
