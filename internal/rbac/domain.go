package rbac

import "time"

// Role identifies a class of actor. Opaque; the set of roles is
// maintained by the deployment process, not by this package.
type Role string

// PermissionKey identifies an atomic capability, e.g. "users.delete".
type PermissionKey string

// Source tags where a resolved grant decision came from.
type Source string

const (
	// SourceBaseline marks a decision taken from the production catalog.
	SourceBaseline Source = "baseline"
	// SourceOverlay marks a decision taken from a sandbox override.
	SourceOverlay Source = "overlay"
)

// BaselineAssignment is one row of the production role-permission catalog.
// At most one assignment exists per (role, permission key); absence means
// not granted.
type BaselineAssignment struct {
	Role          Role
	PermissionKey PermissionKey
	Granted       bool
	UpdatedAt     time.Time
}

// EffectivePermission is the result of resolving a permission for a role,
// optionally under a sandbox session. Derived, never stored.
type EffectivePermission struct {
	Role          Role
	PermissionKey PermissionKey
	Granted       bool
	Source        Source
}

// Actor describes the authenticated caller as seen by authorization checks.
type Actor struct {
	ID         int64
	Role       Role
	Superadmin bool
}
