package middleware

import (
	"net/http"
	"strings"

	"github.com/iago/wa-tenancy/internal/auth"
	"github.com/iago/wa-tenancy/internal/tenancy"
)

// Auth resolves the bearer token into a tenancy.Context and attaches it to the
// request. Requests without a valid credential stop here with 401.
func Auth(resolver auth.CredentialResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if len(authorization) < len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
				WriteError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}

			token := strings.TrimSpace(authorization[len(prefix):])
			identity, err := resolver.Resolve(r.Context(), token)
			if err != nil || token == "" {
				WriteError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}

			recordTenant(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(tenancy.WithContext(r.Context(), identity)))
		})
	}
}
