package rbac

// Role names. Keep these stable; they are carried in access tokens.
const (
	RoleAdmin      = "admin"
	RoleMember     = "member"
	RoleViewer     = "viewer"
	RoleSuperAdmin = "super_admin"
	RoleSupport    = "support" // hidden role
)

// Operators may change run state; viewers only read.
var (
	Operators = []string{RoleAdmin, RoleMember}
	Readers   = []string{RoleAdmin, RoleMember, RoleViewer}
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleSupport }
