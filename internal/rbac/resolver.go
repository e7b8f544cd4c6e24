package rbac

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/skolara/skolara/internal/observability"
)

// CatalogPort is the read-side contract of the baseline catalog.
type CatalogPort interface {
	Get(ctx context.Context, role Role, key PermissionKey) (granted bool, found bool, err error)
	ListRole(ctx context.Context, role Role) (map[PermissionKey]bool, error)
}

// OverlayReader supplies active sandbox overrides during resolution.
// Implementations must treat an override whose expiry is at or before
// the supplied instant as absent, regardless of stored state.
type OverlayReader interface {
	ActiveGrant(ctx context.Context, role Role, key PermissionKey, sessionID uuid.UUID, now time.Time) (granted bool, found bool, err error)
	ActiveGrants(ctx context.Context, role Role, sessionID uuid.UUID, now time.Time) (map[PermissionKey]bool, error)
}

// Resolver computes effective permissions by merging sandbox overlays over
// the baseline catalog. It holds no mutable state; given identical stored
// state and clock reading, two calls return identical results.
type Resolver struct {
	catalog  CatalogPort
	overlays OverlayReader
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewResolver constructs a Resolver.
func NewResolver(catalog CatalogPort, overlays OverlayReader) *Resolver {
	return &Resolver{catalog: catalog, overlays: overlays, now: time.Now}
}

// WithClock overrides the clock. Test hook.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// WithMetrics attaches the resolution counter. Recording here covers every
// caller, the authorization middleware included, not just the query
// endpoints.
func (r *Resolver) WithMetrics(metrics *observability.Metrics) *Resolver {
	r.metrics = metrics
	return r
}

// Resolve returns the effective grant decision for (role, key). When
// sessionID is non-nil and an unexpired override exists under that sandbox
// session, the override wins; otherwise the baseline value applies, with
// absence meaning denied. Expiry is compared against a single clock reading
// taken at the start of the call.
func (r *Resolver) Resolve(ctx context.Context, role Role, key PermissionKey, sessionID *uuid.UUID) (EffectivePermission, error) {
	now := r.now()
	if sessionID != nil {
		granted, found, err := r.overlays.ActiveGrant(ctx, role, key, *sessionID, now)
		if err != nil {
			return EffectivePermission{}, err
		}
		if found {
			r.metrics.RecordResolution(string(SourceOverlay))
			return EffectivePermission{Role: role, PermissionKey: key, Granted: granted, Source: SourceOverlay}, nil
		}
	}
	granted, _, err := r.catalog.Get(ctx, role, key)
	if err != nil {
		return EffectivePermission{}, err
	}
	r.metrics.RecordResolution(string(SourceBaseline))
	return EffectivePermission{Role: role, PermissionKey: key, Granted: granted, Source: SourceBaseline}, nil
}

// ResolveAll resolves every permission key known to the baseline for the
// role, plus any keys targeted only by overlays under the session. Results
// are ordered by key.
func (r *Resolver) ResolveAll(ctx context.Context, role Role, sessionID *uuid.UUID) ([]EffectivePermission, error) {
	now := r.now()
	var (
		baseline  map[PermissionKey]bool
		overrides map[PermissionKey]bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		baseline, err = r.catalog.ListRole(gctx, role)
		return err
	})
	if sessionID != nil {
		g.Go(func() error {
			var err error
			overrides, err = r.overlays.ActiveGrants(gctx, role, *sessionID, now)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	keys := make([]PermissionKey, 0, len(baseline)+len(overrides))
	seen := make(map[PermissionKey]struct{}, len(baseline)+len(overrides))
	for key := range baseline {
		keys = append(keys, key)
		seen[key] = struct{}{}
	}
	for key := range overrides {
		if _, ok := seen[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	result := make([]EffectivePermission, 0, len(keys))
	for _, key := range keys {
		if granted, ok := overrides[key]; ok {
			r.metrics.RecordResolution(string(SourceOverlay))
			result = append(result, EffectivePermission{Role: role, PermissionKey: key, Granted: granted, Source: SourceOverlay})
			continue
		}
		r.metrics.RecordResolution(string(SourceBaseline))
		result = append(result, EffectivePermission{Role: role, PermissionKey: key, Granted: baseline[key], Source: SourceBaseline})
	}
	return result, nil
}
