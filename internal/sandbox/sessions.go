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
)

// SessionStore manages sandbox session rows. A partial unique index on
// (actor_id) WHERE enabled guarantees at most one enabled session per
// actor; creation races are resolved by re-reading after a 23505.
type SessionStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool, now: time.Now}
}

// WithClock overrides the clock. Test hook.
func (s *SessionStore) WithClock(now func() time.Time) *SessionStore {
	s.now = now
	return s
}

// GetActive returns the actor's session only if enabled and unexpired. An
// expired-but-still-stored session is reported as not found, never reused.
func (s *SessionStore) GetActive(ctx context.Context, actorID int64) (TestSession, bool, error) {
	var sess TestSession
	err := s.pool.QueryRow(ctx,
		`SELECT id, actor_id, enabled, created_at, expires_at
		 FROM sandbox_sessions WHERE actor_id=$1 AND enabled
		 ORDER BY created_at DESC LIMIT 1`, actorID).
		Scan(&sess.ID, &sess.ActorID, &sess.Enabled, &sess.CreatedAt, &sess.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TestSession{}, false, nil
		}
		return TestSession{}, false, err
	}
	if sess.Expired(s.now()) {
		return TestSession{}, false, nil
	}
	return sess, true, nil
}

// Ensure returns the actor's active session, creating one when none
// exists. Idempotent: concurrent calls for the same actor resolve at the
// storage layer, and the losing writer reads back the winner's row.
func (s *SessionStore) Ensure(ctx context.Context, actorID int64) (TestSession, error) {
	sess, found, err := s.GetActive(ctx, actorID)
	if err != nil {
		return TestSession{}, err
	}
	if found {
		return sess, nil
	}

	now := s.now().UTC()

	// An expired row may still hold the enabled slot; clear it so the
	// insert below does not collide with a dead session.
	if _, err := s.pool.Exec(ctx,
		`UPDATE sandbox_sessions SET enabled=false WHERE actor_id=$1 AND enabled AND expires_at <= $2`,
		actorID, now); err != nil {
		return TestSession{}, err
	}

	fresh := TestSession{
		ID:        uuid.New(),
		ActorID:   actorID,
		Enabled:   true,
		CreatedAt: now,
		ExpiresAt: now.Add(SessionTTL),
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sandbox_sessions (id, actor_id, enabled, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		fresh.ID, fresh.ActorID, fresh.Enabled, fresh.CreatedAt, fresh.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost the creation race; the first writer wins.
			sess, found, err := s.GetActive(ctx, actorID)
			if err != nil {
				return TestSession{}, err
			}
			if !found {
				return TestSession{}, fmt.Errorf("sandbox: session vanished after creation race")
			}
			return sess, nil
		}
		return TestSession{}, err
	}
	return fresh, nil
}

// Disable tears a session down. Overlay rows are expired separately by the
// coordinator; resolution already ignores them once the session is gone.
func (s *SessionStore) Disable(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sandbox_sessions SET enabled=false WHERE id=$1`, sessionID)
	return err
}

// ActiveSessionID implements the authorization middleware's sandbox lookup.
func (s *SessionStore) ActiveSessionID(ctx context.Context, actorID int64) (uuid.UUID, bool, error) {
	sess, found, err := s.GetActive(ctx, actorID)
	if err != nil || !found {
		return uuid.UUID{}, false, err
	}
	return sess.ID, true, nil
}

// PurgeDisabled physically removes sessions disabled or expired for longer
// than the retention window. Optimization only; correctness never depends
// on it.
func (s *SessionStore) PurgeDisabled(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sandbox_sessions WHERE (NOT enabled OR expires_at <= $1) AND expires_at <= $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
