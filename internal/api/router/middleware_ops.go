package router

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const opsTokenHeader = "X-Ops-Token"

// requireOpsToken guards operator endpoints. With no token configured the
// endpoints are refused outright.
func requireOpsToken(expected string) func(http.Handler) http.Handler {
	expected = strings.TrimSpace(expected)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				http.Error(w, "operator endpoints disabled", http.StatusNotFound)
				return
			}
			token := strings.TrimSpace(r.Header.Get(opsTokenHeader))
			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
				http.Error(w, "invalid ops token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
