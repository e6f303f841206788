package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified caller identity the upstream identity service
// encodes into its access tokens.
type Identity struct {
	AccountID int64
	Subject   string
	Email     string
}

type identityKey struct{}

// WithIdentity stores the verified identity in the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext retrieves the verified identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// RequireAuth verifies the bearer token on protected endpoints. HS256
// only; any parse or claim failure is a plain 401 with no detail leaked.
func RequireAuth(secret []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := verifyBearer(r.Header.Get("Authorization"), secret)
			if !ok {
				logger.Debug("rejected request token", "path", r.URL.Path, "remote", RealIP(r))
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func verifyBearer(header string, secret []byte) (Identity, bool) {
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found || raw == "" {
		return Identity{}, false
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Identity{}, false
	}

	id := Identity{}
	if sub, err := claims.GetSubject(); err == nil {
		id.Subject = sub
	}
	if email, ok := claims["email"].(string); ok {
		id.Email = email
	}
	switch v := claims["account_id"].(type) {
	case float64:
		id.AccountID = int64(v)
	case string:
		id.AccountID, _ = strconv.ParseInt(v, 10, 64)
	}
	if id.AccountID == 0 {
		return Identity{}, false
	}
	return id, true
}
