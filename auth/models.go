package auth

type Role string

const (
	RoleAgent        Role = "agent"
	RoleShowingAgent Role = "showing_agent"
	RoleBrokerAdmin  Role = "broker_admin"
	RoleOperator     Role = "operator"
)

// Principal is the caller identity carried by a verified token.
type Principal struct {
	UserID string
	Role   Role
}

// CanEscalate reports whether the caller may force an escalation step by hand.
func (p Principal) CanEscalate() bool {
	return p.Role == RoleOperator || p.Role == RoleBrokerAdmin
}

func isValidRole(role Role) bool {
	switch role {
	case RoleAgent, RoleShowingAgent, RoleBrokerAdmin, RoleOperator:
		return true
	default:
		return false
	}
}
