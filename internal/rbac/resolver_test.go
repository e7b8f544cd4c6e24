package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

type stubCatalog struct {
	grants map[Role]map[PermissionKey]bool
}

func (s *stubCatalog) Get(ctx context.Context, role Role, key PermissionKey) (bool, bool, error) {
	granted, ok := s.grants[role][key]
	return granted, ok, nil
}

func (s *stubCatalog) ListRole(ctx context.Context, role Role) (map[PermissionKey]bool, error) {
	out := make(map[PermissionKey]bool, len(s.grants[role]))
	for k, v := range s.grants[role] {
		out[k] = v
	}
	return out, nil
}

type stubOverlayRow struct {
	role      Role
	key       PermissionKey
	sessionID uuid.UUID
	granted   bool
	expiresAt time.Time
}

type stubOverlays struct {
	rows []stubOverlayRow
}

func (s *stubOverlays) ActiveGrant(ctx context.Context, role Role, key PermissionKey, sessionID uuid.UUID, now time.Time) (bool, bool, error) {
	for _, row := range s.rows {
		if row.role == role && row.key == key && row.sessionID == sessionID && now.Before(row.expiresAt) {
			return row.granted, true, nil
		}
	}
	return false, false, nil
}

func (s *stubOverlays) ActiveGrants(ctx context.Context, role Role, sessionID uuid.UUID, now time.Time) (map[PermissionKey]bool, error) {
	out := make(map[PermissionKey]bool)
	for _, row := range s.rows {
		if row.role == role && row.sessionID == sessionID && now.Before(row.expiresAt) {
			out[row.key] = row.granted
		}
	}
	return out, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestResolveOverlayWinsWithinSession(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sessionID := uuid.New()
	catalog := &stubCatalog{grants: map[Role]map[PermissionKey]bool{
		"admin": {"users.delete": false},
	}}
	overlays := &stubOverlays{rows: []stubOverlayRow{
		{role: "admin", key: "users.delete", sessionID: sessionID, granted: true, expiresAt: now.Add(time.Hour)},
	}}
	resolver := NewResolver(catalog, overlays).WithClock(fixedClock(now))

	eff, err := resolver.Resolve(context.Background(), "admin", "users.delete", &sessionID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !eff.Granted || eff.Source != SourceOverlay {
		t.Fatalf("expected overlay grant, got %+v", eff)
	}

	// Without session scope the baseline still applies.
	eff, err = resolver.Resolve(context.Background(), "admin", "users.delete", nil)
	if err != nil {
		t.Fatalf("resolve unscoped: %v", err)
	}
	if eff.Granted || eff.Source != SourceBaseline {
		t.Fatalf("expected baseline deny, got %+v", eff)
	}
}

func TestResolveExpiredOverlayIsInert(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sessionID := uuid.New()
	catalog := &stubCatalog{grants: map[Role]map[PermissionKey]bool{
		"admin": {"users.delete": false},
	}}
	overlays := &stubOverlays{rows: []stubOverlayRow{
		{role: "admin", key: "users.delete", sessionID: sessionID, granted: true, expiresAt: now.Add(-time.Minute)},
	}}
	resolver := NewResolver(catalog, overlays).WithClock(fixedClock(now))

	eff, err := resolver.Resolve(context.Background(), "admin", "users.delete", &sessionID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if eff.Granted || eff.Source != SourceBaseline {
		t.Fatalf("expected baseline after expiry, got %+v", eff)
	}
}

func TestResolveDeterministic(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sessionID := uuid.New()
	catalog := &stubCatalog{grants: map[Role]map[PermissionKey]bool{
		"editor": {"courses.edit": true},
	}}
	overlays := &stubOverlays{rows: []stubOverlayRow{
		{role: "editor", key: "courses.edit", sessionID: sessionID, granted: false, expiresAt: now.Add(time.Hour)},
	}}
	resolver := NewResolver(catalog, overlays).WithClock(fixedClock(now))

	first, err := resolver.Resolve(context.Background(), "editor", "courses.edit", &sessionID)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := resolver.Resolve(context.Background(), "editor", "courses.edit", &sessionID)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical results, got %+v vs %+v", first, second)
	}
}

func TestResolveMissingBaselineDenies(t *testing.T) {
	resolver := NewResolver(&stubCatalog{grants: map[Role]map[PermissionKey]bool{}}, &stubOverlays{})
	eff, err := resolver.Resolve(context.Background(), "ghost", "never.configured", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if eff.Granted {
		t.Fatalf("expected deny-by-default, got %+v", eff)
	}
	if eff.Source != SourceBaseline {
		t.Fatalf("expected baseline source, got %s", eff.Source)
	}
}

func TestResolveAllMergesOverlayOnlyKeys(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sessionID := uuid.New()
	catalog := &stubCatalog{grants: map[Role]map[PermissionKey]bool{
		"admin": {
			"users.view":   true,
			"users.delete": false,
		},
	}}
	overlays := &stubOverlays{rows: []stubOverlayRow{
		{role: "admin", key: "users.delete", sessionID: sessionID, granted: true, expiresAt: now.Add(time.Hour)},
		{role: "admin", key: "reports.beta", sessionID: sessionID, granted: true, expiresAt: now.Add(time.Hour)},
	}}
	resolver := NewResolver(catalog, overlays).WithClock(fixedClock(now))

	effs, err := resolver.ResolveAll(context.Background(), "admin", &sessionID)
	if err != nil {
		t.Fatalf("resolve all: %v", err)
	}
	if len(effs) != 3 {
		t.Fatalf("expected 3 permissions, got %d", len(effs))
	}
	byKey := make(map[PermissionKey]EffectivePermission, len(effs))
	for _, eff := range effs {
		byKey[eff.PermissionKey] = eff
	}
	if eff := byKey["users.delete"]; !eff.Granted || eff.Source != SourceOverlay {
		t.Fatalf("users.delete: %+v", eff)
	}
	if eff := byKey["reports.beta"]; !eff.Granted || eff.Source != SourceOverlay {
		t.Fatalf("reports.beta: %+v", eff)
	}
	if eff := byKey["users.view"]; !eff.Granted || eff.Source != SourceBaseline {
		t.Fatalf("users.view: %+v", eff)
	}
	// Ordering is stable by key.
	for i := 1; i < len(effs); i++ {
		if effs[i-1].PermissionKey >= effs[i].PermissionKey {
			t.Fatalf("expected sorted keys, got %v before %v", effs[i-1].PermissionKey, effs[i].PermissionKey)
		}
	}
}
