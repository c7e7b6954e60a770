package auth

import (
	"fmt"
	"slices"
	"strings"
)

// AuthorizationError reports an authenticated user whose role may not reach a
// resource. Both roles are safe to disclose.
type AuthorizationError struct {
	Role    Role
	Allowed []Role
}

func (e *AuthorizationError) Error() string {
	names := make([]string, len(e.Allowed))
	for i, r := range e.Allowed {
		names[i] = string(r)
	}
	return fmt.Sprintf("role '%s' not authorized, required: [%s]", e.Role, strings.Join(names, ", "))
}

// RequireRole returns user when its role is one of allowed.
func RequireRole(user UserInfo, allowed ...Role) (UserInfo, error) {
	if slices.Contains(allowed, user.Role) {
		return user, nil
	}
	return UserInfo{}, &AuthorizationError{Role: user.Role, Allowed: allowed}
}

// Permissions maps a role to the path patterns it may reach. "*" matches every
// path and a trailing "/*" matches a prefix.
type Permissions map[Role][]string

// DefaultPermissions is the built-in role matrix.
func DefaultPermissions() Permissions {
	return Permissions{
		RoleAdmin:    {"*"},
		RoleEducator: {"/v1/chat/completions", "/v1/models", "/health", "/status", "/auth/*"},
		RoleStudent:  {"/v1/chat/completions", "/v1/models", "/health", "/auth/*"},
		RoleGuest:    {"/health", "/auth/*"},
	}
}

// Allows reports whether role may reach path.
func (p Permissions) Allows(role Role, path string) bool {
	for _, pattern := range p[role] {
		if matchPath(pattern, path) {
			return true
		}
	}
	return false
}

// RolesFor lists the roles allowed to reach path, in a stable order.
func (p Permissions) RolesFor(path string) []Role {
	var roles []Role
	for _, role := range []Role{RoleAdmin, RoleEducator, RoleStudent, RoleGuest} {
		if p.Allows(role, path) {
			roles = append(roles, role)
		}
	}
	return roles
}

// Check returns an AuthorizationError when user may not reach path.
func (p Permissions) Check(user UserInfo, path string) error {
	if p.Allows(user.Role, path) {
		return nil
	}
	return &AuthorizationError{Role: user.Role, Allowed: p.RolesFor(path)}
}

func matchPath(pattern, path string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "/*"):
		base := strings.TrimSuffix(pattern, "/*")
		return path == base || strings.HasPrefix(path, base+"/")
	default:
		return pattern == path
	}
}

// DefaultRequiredPaths are the endpoints guarded when auth is enabled.
func DefaultRequiredPaths() []string {
	return []string{"/v1/chat/completions", "/v1/models"}
}
