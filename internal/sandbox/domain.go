package sandbox

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skolara/skolara/internal/rbac"
)

// SessionTTL is the fixed lifetime of a sandbox session.
const SessionTTL = 24 * time.Hour

// TestSession groups a set of overlays under one actor. Expired sessions
// are treated as disabled even while the row still exists.
type TestSession struct {
	ID        uuid.UUID
	ActorID   int64
	Enabled   bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session TTL has elapsed at the given instant.
func (s TestSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Overlay is a temporary, session-scoped override of a baseline entry.
// Rows are immutable facts: a change is always a full replace, never an
// in-place update of Granted.
type Overlay struct {
	ID            uuid.UUID
	Role          rbac.Role
	PermissionKey rbac.PermissionKey
	Granted       bool
	SessionID     uuid.UUID
	CreatedBy     int64
	Reason        string
	ChangeKind    Classification
	Active        bool
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Classification is the category of change a mutation request represents.
type Classification string

const (
	ChangeGrantNew       Classification = "grant_new"
	ChangeRevokeNew      Classification = "revoke_new"
	ChangeGrantOverride  Classification = "grant_override"
	ChangeRevokeOverride Classification = "revoke_override"
	ChangeNone           Classification = "no_change"
)

// Classify maps the existing overlay state and the desired grant onto a
// classification. existing is nil when no active overlay is present.
func Classify(existing *Overlay, desired bool) Classification {
	switch {
	case existing == nil && desired:
		return ChangeGrantNew
	case existing == nil && !desired:
		return ChangeRevokeNew
	case existing.Granted == desired:
		return ChangeNone
	case desired:
		return ChangeGrantOverride
	default:
		return ChangeRevokeOverride
	}
}

// MutationRequest is the input of the mutation coordinator.
type MutationRequest struct {
	Actor          rbac.Actor
	Role           rbac.Role
	PermissionKey  rbac.PermissionKey
	DesiredGranted bool
	Reason         string
	DryRun         bool
	IdempotencyKey string
}

// MutationResult is what the coordinator hands back to the endpoint.
// Applied is false for dry runs, no-ops, and idempotent replays, so a
// caller can never mistake a preview for a persisted write.
type MutationResult struct {
	Overlay            *Overlay
	Classification     Classification
	SessionID          uuid.UUID
	SessionProvisional bool
	Idempotent         bool
	Applied            bool
}

const idemMarkerPrefix = "[idem:"

// idemMarker renders the marker embedded in an overlay's reason when the
// caller supplied an idempotency key.
func idemMarker(key string) string {
	return idemMarkerPrefix + key + "]"
}

// markReason appends the idempotency marker to a free-form reason.
func markReason(reason, key string) string {
	if key == "" {
		return reason
	}
	marker := idemMarker(key)
	if reason == "" {
		return marker
	}
	return strings.TrimSpace(reason) + " " + marker
}
