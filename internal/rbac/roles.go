package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleCustomer = "customer"
	RoleAgent    = "agent"
)

// IsParty reports whether role can take part in an order call.
func IsParty(role string) bool { return role == RoleCustomer || role == RoleAgent }

// Counterpart returns the other side of an order conversation.
func Counterpart(role string) string {
	switch role {
	case RoleCustomer:
		return RoleAgent
	case RoleAgent:
		return RoleCustomer
	default:
		return ""
	}
}
