package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skolara/skolara/internal/audit"
	"github.com/skolara/skolara/internal/rbac"
	"github.com/skolara/skolara/internal/shared"
)

// ============================================================================
// MOCK STORES
// ============================================================================

type mockStores struct {
	mu       sync.Mutex
	overlays []Overlay
	audits   []audit.Record
	sessions map[int64]TestSession
	now      time.Time

	// When set, the next ReplaceActiveWithAudit first applies a competing
	// writer's overlay and reports a conflict, simulating a lost race.
	competing *Overlay
}

func newMockStores(now time.Time) *mockStores {
	return &mockStores{sessions: make(map[int64]TestSession), now: now}
}

func (m *mockStores) FindActive(ctx context.Context, role rbac.Role, key rbac.PermissionKey, sessionID uuid.UUID, now time.Time) (Overlay, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.overlays {
		if o.Role == role && o.PermissionKey == key && o.SessionID == sessionID && o.Active && now.Before(o.ExpiresAt) {
			return o, true, nil
		}
	}
	return Overlay{}, false, nil
}

func (m *mockStores) FindByIdempotencyMarker(ctx context.Context, marker string) (Overlay, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.overlays) - 1; i >= 0; i-- {
		if len(m.overlays[i].Reason) >= len(marker) && m.overlays[i].Reason[len(m.overlays[i].Reason)-len(marker):] == marker {
			return m.overlays[i], true, nil
		}
	}
	return Overlay{}, false, nil
}

func (m *mockStores) ReplaceActiveWithAudit(ctx context.Context, o Overlay, rec audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.competing != nil {
		winner := *m.competing
		m.competing = nil
		m.deactivateLocked(winner.Role, winner.PermissionKey, winner.SessionID)
		m.overlays = append(m.overlays, winner)
		m.audits = append(m.audits, audit.Record{
			Role:          string(winner.Role),
			PermissionKey: string(winner.PermissionKey),
			NewGranted:    winner.Granted,
			ChangeKind:    string(winner.ChangeKind),
			ActorID:       winner.CreatedBy,
			SessionID:     winner.SessionID,
			OccurredAt:    winner.CreatedAt,
		})
		return shared.ErrConflict
	}
	m.deactivateLocked(o.Role, o.PermissionKey, o.SessionID)
	m.overlays = append(m.overlays, o)
	m.audits = append(m.audits, rec)
	return nil
}

func (m *mockStores) deactivateLocked(role rbac.Role, key rbac.PermissionKey, sessionID uuid.UUID) {
	for i := range m.overlays {
		if m.overlays[i].Role == role && m.overlays[i].PermissionKey == key && m.overlays[i].SessionID == sessionID {
			m.overlays[i].Active = false
		}
	}
}

func (m *mockStores) Expire(ctx context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.overlays {
		if m.overlays[i].SessionID == sessionID {
			m.overlays[i].Active = false
		}
	}
	return nil
}

func (m *mockStores) ListSession(ctx context.Context, sessionID uuid.UUID) ([]Overlay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Overlay
	for _, o := range m.overlays {
		if o.SessionID == sessionID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *mockStores) GetActive(ctx context.Context, actorID int64) (TestSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[actorID]
	if !ok || !sess.Enabled || !m.now.Before(sess.ExpiresAt) {
		return TestSession{}, false, nil
	}
	return sess, true, nil
}

func (m *mockStores) Ensure(ctx context.Context, actorID int64) (TestSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[actorID]; ok && sess.Enabled && m.now.Before(sess.ExpiresAt) {
		return sess, nil
	}
	sess := TestSession{
		ID:        uuid.New(),
		ActorID:   actorID,
		Enabled:   true,
		CreatedAt: m.now,
		ExpiresAt: m.now.Add(SessionTTL),
	}
	m.sessions[actorID] = sess
	return sess, nil
}

func (m *mockStores) Disable(ctx context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for actorID, sess := range m.sessions {
		if sess.ID == sessionID {
			sess.Enabled = false
			m.sessions[actorID] = sess
		}
	}
	return nil
}

func (m *mockStores) activeOverlays(role rbac.Role, key rbac.PermissionKey, sessionID uuid.UUID) []Overlay {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Overlay
	for _, o := range m.overlays {
		if o.Role == role && o.PermissionKey == key && o.SessionID == sessionID && o.Active {
			out = append(out, o)
		}
	}
	return out
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(stores *mockStores) *Service {
	return NewService(stores, stores, nil, nil).WithClock(func() time.Time { return testNow })
}

var superadmin = rbac.Actor{ID: 1, Role: "superadmin", Superadmin: true}

func grantRequest() MutationRequest {
	return MutationRequest{
		Actor:          superadmin,
		Role:           "admin",
		PermissionKey:  "users.delete",
		DesiredGranted: true,
		Reason:         "testing delete flow",
	}
}

// ============================================================================
// TESTS
// ============================================================================

func TestMutateRejectsNonSuperadmin(t *testing.T) {
	svc := newTestService(newMockStores(testNow))
	req := grantRequest()
	req.Actor = rbac.Actor{ID: 2, Role: "admin", Superadmin: false}
	_, err := svc.Mutate(context.Background(), req)
	require.ErrorIs(t, err, shared.ErrUnauthorized)
}

func TestMutateValidatesInput(t *testing.T) {
	svc := newTestService(newMockStores(testNow))
	req := grantRequest()
	req.Role = "  "
	_, err := svc.Mutate(context.Background(), req)
	require.ErrorIs(t, err, shared.ErrValidation)

	req = grantRequest()
	req.PermissionKey = ""
	_, err = svc.Mutate(context.Background(), req)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestMutateGrantNewCreatesOverlayAndAudit(t *testing.T) {
	stores := newMockStores(testNow)
	svc := newTestService(stores)

	result, err := svc.Mutate(context.Background(), grantRequest())
	require.NoError(t, err)
	assert.Equal(t, ChangeGrantNew, result.Classification)
	assert.True(t, result.Applied)
	assert.False(t, result.Idempotent)
	require.NotNil(t, result.Overlay)
	assert.True(t, result.Overlay.Granted)
	assert.Equal(t, result.SessionID, result.Overlay.SessionID)
	assert.Equal(t, testNow.Add(SessionTTL), result.Overlay.ExpiresAt)

	require.Len(t, stores.audits, 1)
	rec := stores.audits[0]
	assert.Nil(t, rec.OldGranted)
	assert.True(t, rec.NewGranted)
	assert.Equal(t, "grant_new", rec.ChangeKind)
	assert.Equal(t, result.SessionID, rec.SessionID)
}

func TestMutateNoChangeWritesNothing(t *testing.T) {
	stores := newMockStores(testNow)
	svc := newTestService(stores)

	first, err := svc.Mutate(context.Background(), grantRequest())
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := svc.Mutate(context.Background(), grantRequest())
	require.NoError(t, err)
	assert.Equal(t, ChangeNone, second.Classification)
	assert.False(t, second.Applied)
	require.NotNil(t, second.Overlay)
	assert.Equal(t, first.Overlay.ID, second.Overlay.ID)

	assert.Len(t, stores.overlays, 1)
	assert.Len(t, stores.audits, 1)
}

func TestMutateOverrideSupersedesPreviousOverlay(t *testing.T) {
	stores := newMockStores(testNow)
	svc := newTestService(stores)

	first, err := svc.Mutate(context.Background(), grantRequest())
	require.NoError(t, err)

	revoke := grantRequest()
	revoke.DesiredGranted = false
	second, err := svc.Mutate(context.Background(), revoke)
	require.NoError(t, err)
	assert.Equal(t, ChangeRevokeOverride, second.Classification)

	active := stores.activeOverlays("admin", "users.delete", first.SessionID)
	require.Len(t, active, 1)
	assert.False(t, active[0].Granted)
	// The superseded row survives as an inactive historical fact.
	assert.Len(t, stores.overlays, 2)

	require.Len(t, stores.audits, 2)
	rec := stores.audits[1]
	require.NotNil(t, rec.OldGranted)
	assert.True(t, *rec.OldGranted)
	assert.False(t, rec.NewGranted)
	assert.Equal(t, "revoke_override", rec.ChangeKind)
}

func TestMutateIdempotentRetryReplaysWithoutWriting(t *testing.T) {
	stores := newMockStores(testNow)
	svc := newTestService(stores)

	req := grantRequest()
	req.IdempotencyKey = "retry-7f3a"

	first, err := svc.Mutate(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := svc.Mutate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
	assert.False(t, second.Applied)
	assert.Equal(t, first.Overlay.ID, second.Overlay.ID)
	assert.Equal(t, first.Classification, second.Classification)
	assert.Equal(t, first.SessionID, second.SessionID)

	assert.Len(t, stores.overlays, 1)
	assert.Len(t, stores.audits, 1)
}

func TestMutateIdempotencyKeyMatchesExactly(t *testing.T) {
	stores := newMockStores(testNow)
	svc := newTestService(stores)

	// An earlier mutation whose key differs only where an underscore sits
	// must never be mistaken for the retry.
	prior := grantRequest()
	prior.IdempotencyKey = "retryX1"
	_, err := svc.Mutate(context.Background(), prior)
	require.NoError(t, err)

	revoke := grantRequest()
	revoke.DesiredGranted = false
	revoke.IdempotencyKey = "retry_1"
	result, err := svc.Mutate(context.Background(), revoke)
	require.NoError(t, err)
	assert.False(t, result.Idempotent, "a different key must not replay")
	assert.True(t, result.Applied)
	assert.Equal(t, ChangeRevokeOverride, result.Classification)
	assert.Len(t, stores.overlays, 2)
}

func TestMutateDryRunPersistsNothing(t *testing.T) {
	stores := newMockStores(testNow)
	svc := newTestService(stores)

	req := grantRequest()
	req.DryRun = true
	result, err := svc.Mutate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.True(t, result.SessionProvisional)
	assert.Equal(t, ChangeGrantNew, result.Classification)
	require.NotNil(t, result.Overlay)

	assert.Empty(t, stores.overlays)
	assert.Empty(t, stores.audits)
	assert.Empty(t, stores.sessions, "dry run must not provision a session")
}

func TestMutateDryRunReusesExistingSession(t *testing.T) {
	stores := newMockStores(testNow)
	svc := newTestService(stores)

	first, err := svc.Mutate(context.Background(), grantRequest())
	require.NoError(t, err)

	revoke := grantRequest()
	revoke.DesiredGranted = false
	revoke.DryRun = true
	preview, err := svc.Mutate(context.Background(), revoke)
	require.NoError(t, err)
	assert.False(t, preview.SessionProvisional)
	assert.Equal(t, first.SessionID, preview.SessionID)
	assert.Equal(t, ChangeRevokeOverride, preview.Classification)
	assert.False(t, preview.Applied)

	// The preview changed nothing: the grant overlay is still the active one.
	active := stores.activeOverlays("admin", "users.delete", first.SessionID)
	require.Len(t, active, 1)
	assert.True(t, active[0].Granted)
	assert.Len(t, stores.audits, 1)
}

func TestMutateConflictRetryResolvesToNoChange(t *testing.T) {
	stores := newMockStores(testNow)
	svc := newTestService(stores)

	// Pre-provision the session so the competing writer can target it.
	sess, err := stores.Ensure(context.Background(), superadmin.ID)
	require.NoError(t, err)

	stores.competing = &Overlay{
		ID:            uuid.New(),
		Role:          "admin",
		PermissionKey: "users.delete",
		Granted:       true,
		SessionID:     sess.ID,
		CreatedBy:     99,
		ChangeKind:    ChangeGrantNew,
		Active:        true,
		CreatedAt:     testNow,
		ExpiresAt:     sess.ExpiresAt,
	}

	result, err := svc.Mutate(context.Background(), grantRequest())
	require.NoError(t, err)
	assert.Equal(t, ChangeNone, result.Classification)
	assert.False(t, result.Applied)

	active := stores.activeOverlays("admin", "users.delete", sess.ID)
	require.Len(t, active, 1)
	assert.True(t, active[0].Granted)
	assert.Len(t, stores.audits, 1, "only the race winner audits")
}

func TestMutateAuditCountMatchesPersistedMutations(t *testing.T) {
	stores := newMockStores(testNow)
	svc := newTestService(stores)
	ctx := context.Background()

	grant := grantRequest()
	_, err := svc.Mutate(ctx, grant)
	require.NoError(t, err)

	// No-op.
	_, err = svc.Mutate(ctx, grant)
	require.NoError(t, err)

	// Dry run.
	dry := grant
	dry.DryRun = true
	dry.DesiredGranted = false
	_, err = svc.Mutate(ctx, dry)
	require.NoError(t, err)

	// Real revoke.
	revoke := grant
	revoke.DesiredGranted = false
	_, err = svc.Mutate(ctx, revoke)
	require.NoError(t, err)

	assert.Len(t, stores.audits, 2, "two persisted mutations, two audit records")
}

func TestTeardownDisablesSessionAndOverlays(t *testing.T) {
	stores := newMockStores(testNow)
	svc := newTestService(stores)
	ctx := context.Background()

	result, err := svc.Mutate(ctx, grantRequest())
	require.NoError(t, err)

	require.NoError(t, svc.Teardown(ctx, superadmin))

	_, _, found, err := svc.Status(ctx, superadmin.ID)
	require.NoError(t, err)
	assert.False(t, found)

	active := stores.activeOverlays("admin", "users.delete", result.SessionID)
	assert.Empty(t, active)

	// Nothing to tear down twice.
	err = svc.Teardown(ctx, superadmin)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestExpiredSessionIsNotReused(t *testing.T) {
	stores := newMockStores(testNow)
	svc := newTestService(stores)
	ctx := context.Background()

	first, err := svc.Mutate(ctx, grantRequest())
	require.NoError(t, err)

	// Age the stored session past its TTL.
	stores.mu.Lock()
	sess := stores.sessions[superadmin.ID]
	sess.ExpiresAt = testNow.Add(-time.Minute)
	stores.sessions[superadmin.ID] = sess
	stores.mu.Unlock()

	second, err := svc.Mutate(ctx, grantRequest())
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID, "expired session must be replaced, not reused")
	assert.Equal(t, ChangeGrantNew, second.Classification)
}
