package models

const RoleAdmin = "admin"

// Principal is the authenticated caller handed over by the auth gate.
// It is only used to attribute admin decisions.
type Principal struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}
