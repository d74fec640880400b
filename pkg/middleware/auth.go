package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/platinummonkey/tollgate/pkg/httputil"
)

// BearerToken returns the token of an "Authorization: Bearer <token>" header
func BearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequireAdminToken rejects requests that do not present token as a bearer
// credential. An empty token disables the check; tollgate then trusts the
// account service in front of it.
func RequireAdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := BearerToken(r)
			if got == "" {
				httputil.WriteUnauthorized(w, "missing authorization header")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				httputil.WriteForbidden(w, "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
