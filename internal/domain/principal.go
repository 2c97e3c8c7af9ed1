package domain

// Role - роль субъекта.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
	RoleStaff    Role = "staff"
)

// Principal - проверенный субъект запроса. Передаётся явно в каждую операцию.
type Principal struct {
	ID    string
	Role  Role
	Email string
	Name  string
}

// IsPrivileged сообщает, что субъект видит чужие заказы и платежи.
func (p Principal) IsPrivileged() bool {
	return p.Role == RoleAdmin || p.Role == RoleStaff
}

// Authenticated сообщает, что субъект установлен.
func (p Principal) Authenticated() bool {
	return p.ID != ""
}

// CanAccess проверяет владение ресурсом.
func (p Principal) CanAccess(ownerID string) bool {
	return p.IsPrivileged() || (p.ID != "" && p.ID == ownerID)
}

// SystemPrincipal используется фоновыми процессами и вебхуками.
var SystemPrincipal = Principal{ID: "system", Role: RoleAdmin}
