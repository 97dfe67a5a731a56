package domain

// Role is the permission level carried by an API token.
type Role string

// Roles in ascending order of privilege.
const (
	RoleProducer Role = "producer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleLevels = map[Role]int{
	RoleProducer: 1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// IsValid checks if the role is known.
func (r Role) IsValid() bool {
	_, ok := roleLevels[r]
	return ok
}

// HasPermission reports whether r is at least required.
func (r Role) HasPermission(required Role) bool {
	have, ok := roleLevels[r]
	if !ok {
		return false
	}
	return have >= roleLevels[required]
}
