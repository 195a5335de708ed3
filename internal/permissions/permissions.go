// Package permissions is the role→capability matrix consumed by the HTTP
// layer. The matrix itself is maintained by the dashboard product; this is
// a read-only copy of the contract the inbox endpoints enforce.
package permissions

import "github.com/relayworks/wahub/internal/models"

type Permission string

const (
	// InboxRead grants access to every thread in the tenant.
	InboxRead Permission = "inbox.read"
	// InboxReadAssigned grants access only to threads assigned to the
	// member. Agents hold this instead of InboxRead.
	InboxReadAssigned Permission = "inbox.read_assigned"
	InboxWrite        Permission = "inbox.write"
	InboxAssign       Permission = "inbox.assign"
	InboxAdmin        Permission = "inbox.admin"

	AnalyticsRead Permission = "analytics.read"
	SettingsWrite Permission = "settings.write"
	MembersManage Permission = "members.manage"

	// Wildcard is held by super admins only.
	Wildcard Permission = "*"
)

var rolePermissions = map[models.Role][]Permission{
	models.RoleSuperAdmin: {Wildcard},

	models.RoleTenantAdmin: {
		InboxRead,
		InboxWrite,
		InboxAssign,
		InboxAdmin,
		AnalyticsRead,
		SettingsWrite,
		MembersManage,
	},

	models.RoleManager: {
		InboxRead,
		InboxWrite,
		InboxAssign,
		AnalyticsRead,
	},

	models.RoleAgent: {
		InboxReadAssigned,
		InboxWrite,
	},
}

func Has(role models.Role, permission Permission) bool {
	perms, ok := rolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == Wildcard || p == permission {
			return true
		}
	}
	return false
}

// CanAccessAllThreads reports whether the role sees the whole tenant inbox.
func CanAccessAllThreads(role models.Role) bool {
	return Has(role, InboxRead)
}

// OnlyAssigned reports whether thread listings must be filtered down to the
// member's own assignments. True exactly for agents.
func OnlyAssigned(role models.Role) bool {
	return !Has(role, InboxRead) && Has(role, InboxReadAssigned)
}
