package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/skolara/skolara/internal/audit"
	"github.com/skolara/skolara/internal/observability"
	"github.com/skolara/skolara/internal/rbac"
	"github.com/skolara/skolara/internal/shared"
)

// OverlayPort defines the overlay persistence the coordinator relies on.
type OverlayPort interface {
	FindActive(ctx context.Context, role rbac.Role, key rbac.PermissionKey, sessionID uuid.UUID, now time.Time) (Overlay, bool, error)
	FindByIdempotencyMarker(ctx context.Context, marker string) (Overlay, bool, error)
	ReplaceActiveWithAudit(ctx context.Context, o Overlay, rec audit.Record) error
	Expire(ctx context.Context, sessionID uuid.UUID) error
	ListSession(ctx context.Context, sessionID uuid.UUID) ([]Overlay, error)
}

// SessionPort defines the session persistence the coordinator relies on.
type SessionPort interface {
	GetActive(ctx context.Context, actorID int64) (TestSession, bool, error)
	Ensure(ctx context.Context, actorID int64) (TestSession, error)
	Disable(ctx context.Context, sessionID uuid.UUID) error
}

// Service is the mutation coordinator: the single write path into the
// overlay store. It authorizes, validates, replays idempotent retries,
// classifies the change, and persists overlay plus audit atomically.
type Service struct {
	overlays OverlayPort
	sessions SessionPort
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the coordinator.
func NewService(overlays OverlayPort, sessions SessionPort, metrics *observability.Metrics, logger *slog.Logger) *Service {
	return &Service{
		overlays: overlays,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Mutate processes one mutation request. Dry runs never persist anything,
// not even a session: when none exists the preview carries a freshly
// generated candidate ID flagged provisional, and the real session is
// created by the first non-dry-run call.
func (s *Service) Mutate(ctx context.Context, req MutationRequest) (MutationResult, error) {
	if !req.Actor.Superadmin {
		return MutationResult{}, fmt.Errorf("%w: sandbox mutations require a superadmin", shared.ErrUnauthorized)
	}
	role := rbac.Role(strings.TrimSpace(string(req.Role)))
	key := rbac.PermissionKey(strings.TrimSpace(string(req.PermissionKey)))
	if role == "" || key == "" {
		return MutationResult{}, fmt.Errorf("%w: role and permission_key are required", shared.ErrValidation)
	}

	if req.IdempotencyKey != "" {
		existing, found, err := s.overlays.FindByIdempotencyMarker(ctx, idemMarker(req.IdempotencyKey))
		if err != nil {
			return MutationResult{}, err
		}
		if found {
			return MutationResult{
				Overlay:        &existing,
				Classification: existing.ChangeKind,
				SessionID:      existing.SessionID,
				Idempotent:     true,
				Applied:        false,
			}, nil
		}
	}

	if req.DryRun {
		return s.preview(ctx, req, role, key)
	}

	sess, err := s.sessions.Ensure(ctx, req.Actor.ID)
	if err != nil {
		return MutationResult{}, err
	}

	result, err := s.apply(ctx, req, role, key, sess, false)
	if err != nil && errors.Is(err, shared.ErrConflict) {
		// A concurrent replace invalidated our classification; re-read
		// and re-classify exactly once before surfacing the conflict.
		if s.logger != nil {
			s.logger.Warn("sandbox mutation conflict, retrying",
				slog.String("role", string(role)), slog.String("key", string(key)))
		}
		result, err = s.apply(ctx, req, role, key, sess, true)
	}
	if err == nil && s.metrics != nil {
		s.metrics.RecordSandboxMutation(string(result.Classification))
	}
	return result, err
}

func (s *Service) apply(ctx context.Context, req MutationRequest, role rbac.Role, key rbac.PermissionKey, sess TestSession, isRetry bool) (MutationResult, error) {
	now := s.now().UTC()
	existing, found, err := s.overlays.FindActive(ctx, role, key, sess.ID, now)
	if err != nil {
		return MutationResult{}, err
	}
	var existingPtr *Overlay
	if found {
		existingPtr = &existing
	}

	classification := Classify(existingPtr, req.DesiredGranted)
	if classification == ChangeNone {
		return MutationResult{
			Overlay:        existingPtr,
			Classification: ChangeNone,
			SessionID:      sess.ID,
			Applied:        false,
		}, nil
	}

	overlay := Overlay{
		ID:            uuid.New(),
		Role:          role,
		PermissionKey: key,
		Granted:       req.DesiredGranted,
		SessionID:     sess.ID,
		CreatedBy:     req.Actor.ID,
		Reason:        markReason(req.Reason, req.IdempotencyKey),
		ChangeKind:    classification,
		Active:        true,
		CreatedAt:     now,
		ExpiresAt:     sess.ExpiresAt,
	}
	rec := audit.Record{
		Role:          string(role),
		PermissionKey: string(key),
		OldGranted:    oldGranted(existingPtr),
		NewGranted:    req.DesiredGranted,
		ChangeKind:    string(classification),
		ActorID:       req.Actor.ID,
		SessionID:     sess.ID,
		OccurredAt:    now,
	}
	if err := s.overlays.ReplaceActiveWithAudit(ctx, overlay, rec); err != nil {
		if errors.Is(err, shared.ErrConflict) && isRetry {
			return MutationResult{}, fmt.Errorf("%w: retry exhausted for %s/%s", shared.ErrConflict, role, key)
		}
		return MutationResult{}, err
	}

	return MutationResult{
		Overlay:        &overlay,
		Classification: classification,
		SessionID:      sess.ID,
		Applied:        true,
	}, nil
}

// preview computes what a real call would write, without persisting
// anything or creating a session.
func (s *Service) preview(ctx context.Context, req MutationRequest, role rbac.Role, key rbac.PermissionKey) (MutationResult, error) {
	now := s.now().UTC()
	sess, found, err := s.sessions.GetActive(ctx, req.Actor.ID)
	if err != nil {
		return MutationResult{}, err
	}
	provisional := !found
	if provisional {
		sess = TestSession{
			ID:        uuid.New(),
			ActorID:   req.Actor.ID,
			Enabled:   true,
			CreatedAt: now,
			ExpiresAt: now.Add(SessionTTL),
		}
	}

	var existingPtr *Overlay
	if !provisional {
		existing, foundOverlay, err := s.overlays.FindActive(ctx, role, key, sess.ID, now)
		if err != nil {
			return MutationResult{}, err
		}
		if foundOverlay {
			existingPtr = &existing
		}
	}

	classification := Classify(existingPtr, req.DesiredGranted)
	if classification == ChangeNone {
		return MutationResult{
			Overlay:            existingPtr,
			Classification:     ChangeNone,
			SessionID:          sess.ID,
			SessionProvisional: provisional,
			Applied:            false,
		}, nil
	}

	overlay := Overlay{
		ID:            uuid.New(),
		Role:          role,
		PermissionKey: key,
		Granted:       req.DesiredGranted,
		SessionID:     sess.ID,
		CreatedBy:     req.Actor.ID,
		Reason:        markReason(req.Reason, req.IdempotencyKey),
		ChangeKind:    classification,
		Active:        true,
		CreatedAt:     now,
		ExpiresAt:     sess.ExpiresAt,
	}
	return MutationResult{
		Overlay:            &overlay,
		Classification:     classification,
		SessionID:          sess.ID,
		SessionProvisional: provisional,
		Applied:            false,
	}, nil
}

// Status reports the actor's active session and its overlays.
func (s *Service) Status(ctx context.Context, actorID int64) (TestSession, []Overlay, bool, error) {
	sess, found, err := s.sessions.GetActive(ctx, actorID)
	if err != nil || !found {
		return TestSession{}, nil, false, err
	}
	overlays, err := s.overlays.ListSession(ctx, sess.ID)
	if err != nil {
		return TestSession{}, nil, false, err
	}
	return sess, overlays, true, nil
}

// Teardown disables the actor's session and deactivates its overlays.
func (s *Service) Teardown(ctx context.Context, actor rbac.Actor) error {
	if !actor.Superadmin {
		return fmt.Errorf("%w: sandbox teardown requires a superadmin", shared.ErrUnauthorized)
	}
	sess, found, err := s.sessions.GetActive(ctx, actor.ID)
	if err != nil {
		return err
	}
	if !found {
		return shared.ErrNotFound
	}
	if err := s.sessions.Disable(ctx, sess.ID); err != nil {
		return err
	}
	return s.overlays.Expire(ctx, sess.ID)
}

func oldGranted(existing *Overlay) *bool {
	if existing == nil {
		return nil
	}
	v := existing.Granted
	return &v
}
