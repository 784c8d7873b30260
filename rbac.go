package sessionguard

import (
	"net/http"
	"slices"
)

// ==================== ROLES & SCOPES ====================

// Role represents a user role carried in the access token.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Scopes consumed by downstream services (billing, analytics, admin tooling).
const (
	ScopeBillingRead   = "billing:read"
	ScopeBillingWrite  = "billing:write"
	ScopeAnalyticsRead = "analytics:read"
	ScopeUsersManage   = "users:manage"
)

// DefaultRoleScopes maps roles to the scopes minted into access tokens.
// Plain users carry no scopes.
func DefaultRoleScopes() map[Role][]string {
	return map[Role][]string{
		RoleUser:  {},
		RoleAdmin: {ScopeBillingRead, ScopeBillingWrite, ScopeAnalyticsRead, ScopeUsersManage},
	}
}

// rolesFor returns the roles of a credential.
func rolesFor(cred *Credential) []Role {
	if cred.IsAdmin {
		return []Role{RoleUser, RoleAdmin}
	}
	return []Role{RoleUser}
}

// scopesFor returns the sorted union of the scopes granted to roles.
func scopesFor(roles []Role, mapping map[Role][]string) []string {
	scopes := []string{}
	for _, role := range roles {
		for _, sc := range mapping[role] {
			if !slices.Contains(scopes, sc) {
				scopes = append(scopes, sc)
			}
		}
	}
	slices.Sort(scopes)
	return scopes
}

func roleStrings(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

// ==================== AUTHORIZATION MIDDLEWARE ====================

// RequireRole creates middleware that requires one of roles in the token.
// It must run after RequireAuth.
func (s *Service) RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, CodeInvalidToken, "unauthorized")
				return
			}
			for _, role := range roles {
				if slices.Contains(claims.Roles, string(role)) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, CodeForbidden, ErrForbidden.Error())
		})
	}
}

// RequireAdmin rejects tokens without is_admin.
func (s *Service) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetClaimsFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, CodeInvalidToken, "unauthorized")
			return
		}
		if !claims.IsAdmin {
			writeError(w, http.StatusForbidden, CodeForbidden, ErrForbidden.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireScope creates middleware that requires every listed scope.
func (s *Service) RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, CodeInvalidToken, "unauthorized")
				return
			}
			for _, required := range scopes {
				if !slices.Contains(claims.Scopes, required) {
					writeError(w, http.StatusForbidden, "INSUFFICIENT_SCOPE", "missing scope: "+required)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
