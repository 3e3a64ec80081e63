package middleware

import (
	"context"
	"net/http"
	"strings"

	"usage_ledger/internal/auth"
	"usage_ledger/internal/utils"
)

// ContextKey is the type of request context keys set by this package
type ContextKey string

// Context keys for storing authentication data
const (
	OperatorClaimsKey ContextKey = "operatorClaims"
)

// OperatorJWTMiddleware validates operator tokens and enforces role-based access
func OperatorJWTMiddleware(secret []byte, required auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := r.Header.Get("Authorization")
			if tokenString == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing authentication token")
				return
			}

			// Remove "Bearer " prefix if present
			tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))

			claims, err := auth.ValidateOperatorToken(secret, tokenString)
			if err != nil {
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			if !claims.HasRole(required) {
				utils.RespondWithError(w, http.StatusForbidden, "Insufficient permissions")
				return
			}

			ctx := context.WithValue(r.Context(), OperatorClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOperatorClaims retrieves the operator claims from the request context
func GetOperatorClaims(ctx context.Context) (*auth.OperatorClaims, bool) {
	claims, ok := ctx.Value(OperatorClaimsKey).(*auth.OperatorClaims)
	return claims, ok
}

// GetOperator retrieves the operator name from the request context
func GetOperator(ctx context.Context) (string, bool) {
	claims, ok := GetOperatorClaims(ctx)
	if !ok {
		return "", false
	}
	return claims.Operator(), true
}
