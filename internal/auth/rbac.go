package auth

import (
	"net/http"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// RequireRole rejects requests whose token does not carry one of roles.
// It must run after Authenticate.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			claims := ClaimsFromContext(req.Context())
			if claims == nil {
				writeError(w, http.StatusForbidden, "no claims in context")
				return
			}
			if !allowed[claims.Role] {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
