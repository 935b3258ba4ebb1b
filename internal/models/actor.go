package models

type Role string

const (
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleProvider || r == RoleAdmin
}

// Actor is the caller identity asserted by the auth layer; it is trusted as-is.
type Actor struct {
	ID   int64 `json:"id"`
	Role Role  `json:"role"`
}

func Customer(id int64) Actor { return Actor{ID: id, Role: RoleCustomer} }
func Provider(id int64) Actor { return Actor{ID: id, Role: RoleProvider} }
func Admin(id int64) Actor    { return Actor{ID: id, Role: RoleAdmin} }
