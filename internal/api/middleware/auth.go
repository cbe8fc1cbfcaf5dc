package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/homedeck/homedeck/internal/api/models"
	"github.com/homedeck/homedeck/internal/auth"
)

// claimsKey is the context key for the validated operator claims.
type claimsKey struct{}

// RequireOperator validates the bearer token and checks it grants scope.
// When tokens is nil every request is rejected, so control endpoints stay
// closed without a configured operator key.
func RequireOperator(tokens *auth.TokenService, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokens == nil {
				writeProblem(w, r, models.NewStatusProblem(http.StatusForbidden, GetRequestID(r.Context()), "operator access is not configured"))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeUnauthorized(w, r, "missing authorization header")
				return
			}

			const bearerPrefix = "Bearer "
			if len(authHeader) < len(bearerPrefix) ||
				!strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
				writeUnauthorized(w, r, "invalid authorization header format")
				return
			}

			tokenString := strings.TrimSpace(authHeader[len(bearerPrefix):])
			if tokenString == "" {
				writeUnauthorized(w, r, "missing bearer token")
				return
			}

			claims, err := tokens.Validate(tokenString)
			if err != nil {
				switch {
				case errors.Is(err, auth.ErrTokenExpired):
					writeUnauthorized(w, r, "operator token has expired")
				case errors.Is(err, auth.ErrInvalidToken):
					writeUnauthorized(w, r, "invalid operator token")
				default:
					writeUnauthorized(w, r, "authentication failed")
				}
				return
			}

			if scope != "" && !claims.HasScope(scope) {
				writeProblem(w, r, models.NewStatusProblem(http.StatusForbidden, GetRequestID(r.Context()), "token lacks scope "+scope))
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeUnauthorized writes a 401 Unauthorized response.
// This is implemented directly here to avoid import cycle with response package.
func writeUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="homedeck"`)
	writeProblem(w, r, models.NewStatusProblem(http.StatusUnauthorized, GetRequestID(r.Context()), detail))
}

func writeProblem(w http.ResponseWriter, r *http.Request, problem *models.Problem) {
	problem.Instance = r.URL.Path
	problem.Write(w)
}

// GetOperator returns the authenticated operator, or an empty string.
func GetOperator(ctx context.Context) string {
	if claims, ok := ctx.Value(claimsKey{}).(*auth.Claims); ok {
		return claims.Operator()
	}
	return ""
}
