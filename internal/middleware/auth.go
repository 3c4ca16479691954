// internal/middleware/auth.go
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const roleAdmin = "admin"

// AuthContext carries the authenticated caller through the request context as
// an explicit value. Nothing below the handlers reads ambient session state.
type AuthContext struct {
	UserID uuid.UUID
	Role   string
}

// Claims is the JWT payload issued at login and parsed here.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type contextKey struct{}

// NewContext returns a context carrying the given AuthContext.
func NewContext(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

// FromContext extracts the AuthContext injected by RequireAuth.
func FromContext(ctx context.Context) (AuthContext, bool) {
	auth, ok := ctx.Value(contextKey{}).(AuthContext)
	return auth, ok
}

// RequireAuth verifies the bearer token and injects an AuthContext.
func RequireAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			auth, err := parseToken(token, secret)
			if err != nil {
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), auth)))
		})
	}
}

// RequireAdmin gates a route to admin callers. Must be mounted after
// RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, ok := FromContext(r.Context())
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if auth.Role != roleAdmin {
			http.Error(w, "admin access required", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return parts[1]
}

func parseToken(raw string, secret []byte) (AuthContext, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return AuthContext{}, err
	}
	if !token.Valid {
		return AuthContext{}, errors.New("invalid token")
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return AuthContext{}, errors.New("invalid subject claim")
	}

	return AuthContext{UserID: userID, Role: claims.Role}, nil
}
