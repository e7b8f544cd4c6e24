package shared

// Core admin-surface permissions.
const (
	PermPermissionsView = "permissions.view"
	PermSandboxManage   = "sandbox.manage"
	PermAuditView       = "audit.view"
	PermAuditExport     = "audit.export"
)

// AdminScopes lists all permissions of the administration surface.
func AdminScopes() []string {
	return []string{
		PermPermissionsView,
		PermSandboxManage,
		PermAuditView,
		PermAuditExport,
	}
}
