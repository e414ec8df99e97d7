// internal/models/roles.go

package models

// UserRole представляє роль власника токена
type UserRole string

// Константи для ролей
const (
	RoleUser    UserRole = "USER"
	RoleService UserRole = "SERVICE" // order, payment, promotions сервіси
	RoleAdmin   UserRole = "ADMIN"
)

// Permission представляє дозвіл на дію
type Permission string

// Дозволи
const (
	PermissionReadNotifications Permission = "notifications:read"
	PermissionSendNotifications Permission = "notifications:send"
	PermissionBroadcast         Permission = "notifications:broadcast"
	PermissionReadPresence      Permission = "presence:read"
)

// rolePermissions визначає які дозволи має кожна роль
var rolePermissions = map[UserRole][]Permission{
	RoleUser: {
		PermissionReadNotifications,
	},
	RoleService: {
		PermissionReadNotifications,
		PermissionSendNotifications,
		PermissionReadPresence,
	},
	RoleAdmin: {
		PermissionReadNotifications,
		PermissionSendNotifications,
		PermissionBroadcast,
		PermissionReadPresence,
	},
}

// IsValid перевіряє чи роль валідна
func (r UserRole) IsValid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// HasPermission перевіряє чи має роль конкретний дозвіл
func (r UserRole) HasPermission(permission Permission) bool {
	for _, p := range rolePermissions[r] {
		if p == permission {
			return true
		}
	}
	return false
}

// RoleOrDefault повертає RoleUser для порожньої ролі (старі токени без role)
func RoleOrDefault(role string) UserRole {
	if role == "" {
		return RoleUser
	}
	return UserRole(role)
}
