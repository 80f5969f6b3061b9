package middleware

import (
	"context"
	"net/http"
	"slices"
)

type scopesKey struct{}

func WithScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, scopesKey{}, scopes)
}

// ScopesFrom returns the scopes JWTAuth stored, in claim order.
func ScopesFrom(ctx context.Context) []string {
	s, _ := ctx.Value(scopesKey{}).([]string)
	return s
}

// HasAnyScope reports whether ctx holds one of required. An empty requirement always holds.
func HasAnyScope(ctx context.Context, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := ScopesFrom(ctx)
	return slices.ContainsFunc(required, func(s string) bool { return slices.Contains(have, s) })
}

// RequireScope answers 403 unless the verified token carries scope. Requests JWTAuth let
// through without a token (dev only) are not checked.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Context().Value(tokenKey{}) == nil && r.Header.Get("Authorization") == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !HasAnyScope(r.Context(), []string{scope}) {
				http.Error(w, "insufficient_scope", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
