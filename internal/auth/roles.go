package auth

// Role represents a caller role for role-based access control
type Role string

const (
	// RoleOperator has full access, including allowance resets and
	// anomaly resolution
	RoleOperator Role = "operator"

	// RoleService is held by the product backend: metered calls and
	// payment confirmations
	RoleService Role = "service"

	// RoleViewer has read-only access to wallets and usage reports
	RoleViewer Role = "viewer"
)

// String returns the string representation of the role
func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is a valid role
func (r Role) IsValid() bool {
	switch r {
	case RoleOperator, RoleService, RoleViewer:
		return true
	default:
		return false
	}
}

// HasPermission checks if a role has permission for a required role.
// Operator has all permissions and every role may read.
func (r Role) HasPermission(required Role) bool {
	if r == RoleOperator || required == RoleViewer {
		return r.IsValid()
	}
	return r == required
}
