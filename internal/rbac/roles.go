package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleCaller     = "caller"
	RoleAgent      = "agent"
	RoleSupervisor = "supervisor"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// CanReadAnyCall reports whether role may act on calls it does not own.
func CanReadAnyCall(role string) bool {
	return role == RoleSupervisor || IsSuperAdmin(role)
}

// CanScoreQuality reports whether role may write a call's quality score.
func CanScoreQuality(role string) bool {
	return role == RoleAgent || CanReadAnyCall(role)
}

func IsKnownRole(role string) bool {
	switch role {
	case RoleCaller, RoleAgent, RoleSupervisor, RoleSuperAdmin:
		return true
	default:
		return false
	}
}
