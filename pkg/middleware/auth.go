package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// AuthConfig configures bearer-token checks on the ops API.
type AuthConfig struct {
	Env      string
	Issuer   string
	JWKSURL  string
	Audience string
	Skew     time.Duration
	// JWKSRefresh is the minimum interval between key set refreshes.
	JWKSRefresh time.Duration
}

func (ac AuthConfig) configured() bool {
	return strings.TrimSpace(ac.Issuer) != "" && ac.JWKSURL != ""
}

type tokenKey struct{}

// JWTAuth verifies "Authorization: Bearer <jwt>" against the issuer's key set and puts
// the token and its scope claim in the request context. In dev a request without an
// Authorization header is let through unauthenticated.
func JWTAuth(ac AuthConfig) func(http.Handler) http.Handler {
	var keys *jwk.Cache
	if ac.configured() {
		refresh := ac.JWKSRefresh
		if refresh <= 0 {
			refresh = time.Hour
		}
		keys = jwk.NewCache(context.Background())
		if err := keys.Register(ac.JWKSURL, jwk.WithMinRefreshInterval(refresh)); err != nil {
			keys = nil
		}
	}
	issuer := strings.TrimRight(ac.Issuer, "/")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if header == "" && ac.Env == "dev" {
				next.ServeHTTP(w, r)
				return
			}
			if keys == nil {
				http.Error(w, "auth not configured", http.StatusServiceUnavailable)
				return
			}
			scheme, raw, found := strings.Cut(header, " ")
			if !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(raw) == "" {
				http.Error(w, "missing bearer", http.StatusUnauthorized)
				return
			}
			set, err := keys.Get(r.Context(), ac.JWKSURL)
			if err != nil {
				http.Error(w, "jwks unavailable", http.StatusBadGateway)
				return
			}
			opts := []jwt.ParseOption{
				jwt.WithKeySet(set),
				jwt.WithValidate(true),
				jwt.WithIssuer(issuer),
				jwt.WithAcceptableSkew(ac.Skew),
			}
			if ac.Audience != "" {
				opts = append(opts, jwt.WithAudience(ac.Audience))
			}
			tok, err := jwt.Parse([]byte(strings.TrimSpace(raw)), opts...)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), tokenKey{}, tok)
			ctx = WithScopes(ctx, scopeClaim(tok))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func scopeClaim(tok jwt.Token) []string {
	v, ok := tok.Get("scope")
	if !ok {
		return nil
	}
	s, _ := v.(string)
	return strings.Fields(s)
}

// ActorSub is the subject of the verified token, or "" when the request carried none.
func ActorSub(ctx context.Context) string {
	tok, ok := ctx.Value(tokenKey{}).(jwt.Token)
	if !ok || tok == nil {
		return ""
	}
	return tok.Subject()
}
