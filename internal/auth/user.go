package auth

import (
	"fmt"
	"time"
)

// Role drives the endpoint permission matrix.
type Role string

const (
	RoleStudent  Role = "student"
	RoleEducator Role = "educator"
	RoleAdmin    Role = "admin"
	RoleGuest    Role = "guest"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleEducator, RoleAdmin, RoleGuest:
		return true
	default:
		return false
	}
}

// ParseRole converts a wire value into a Role.
func ParseRole(value string) (Role, error) {
	role := Role(value)
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", value)
	}
	return role, nil
}

// UserInfo is the identity carried by a session.
type UserInfo struct {
	UserID      string         `json:"user_id"`
	Email       string         `json:"email"`
	Name        string         `json:"name,omitempty"`
	Picture     string         `json:"picture,omitempty"`
	Provider    string         `json:"provider"`
	Role        Role           `json:"role"`
	Institution string         `json:"institution,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	LastLogin   *time.Time     `json:"last_login,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RequiresOnboarding is true until a guest picks a role.
func (u UserInfo) RequiresOnboarding() bool {
	return u.Role == RoleGuest
}
