package ledger

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Principal is the authenticated caller. Every ledger operation receives it
// explicitly; nothing in this package reads identity from ambient state.
type Principal struct {
	ID       string
	Username string
	Role     Role
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}
