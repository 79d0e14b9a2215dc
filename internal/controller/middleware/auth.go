// Package middleware contains HTTP middleware for the broker's operator API.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"deployplane/internal/auth"
	"deployplane/pkg/api"
)

// RequireToken rejects requests whose bearer token does not match token.
// Tokens are compared as SHA-256 hashes in constant time. An empty token
// disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	want := ""
	if strings.TrimSpace(token) != "" {
		want = auth.HashKey(token)
	}

	return func(next http.Handler) http.Handler {
		if want == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "Missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
				unauthorized(w, "Invalid authorization header")
				return
			}

			if subtle.ConstantTimeCompare([]byte(auth.HashKey(parts[1])), []byte(want)) != 1 {
				unauthorized(w, "Invalid authorization token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error: message,
		Code:  "401",
	})
}
