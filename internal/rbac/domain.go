package rbac

import "time"

// Role represents a high-level capability grouping.
type Role struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Grant ties a capability name to a role.
type Grant struct {
	RoleID     int64
	Capability string
	CreatedAt  time.Time
}

// UserRole links a user to a role.
type UserRole struct {
	UserID    int64
	RoleID    int64
	CreatedAt time.Time
}
