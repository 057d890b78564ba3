package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware requires a shared bearer token on every route except
// /healthz. An empty token disables the check.
type AuthMiddleware struct {
	token []byte
}

func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: []byte(strings.TrimSpace(token))}
}

// Wrap wraps an http.Handler with token checking.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if len(am.token) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractToken(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), am.token) != 1 {
			writeError(w, http.StatusForbidden, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractToken reads the caller's token. It checks, in order:
// Authorization: Bearer <token>, X-API-Key, and the token query parameter
// (browsers cannot set headers on WebSocket upgrades).
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return r.URL.Query().Get("token")
}
