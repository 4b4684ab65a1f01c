// Package middleware provides HTTP middleware for bearer-token auth.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/galvana-labs/galvana/auth"
	"github.com/galvana-labs/galvana/fault"
)

type contextKey int

const ctxPrincipal contextKey = iota

// RequireAuth validates the bearer token against the oracle and injects the
// principal into the request context. Missing or invalid tokens get 401.
func RequireAuth(oracle auth.Oracle) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw := strings.TrimPrefix(header, "Bearer ")
			if raw == "" || raw == header {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			p, err := oracle.Authenticate(r.Context(), raw)
			if err != nil {
				writeError(w, fault.HTTPStatus(err), err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), ctxPrincipal, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ContextPrincipal extracts the principal injected by RequireAuth. The zero
// Principal means the request never passed RequireAuth.
func ContextPrincipal(r *http.Request) auth.Principal {
	v, _ := r.Context().Value(ctxPrincipal).(auth.Principal)
	return v
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
