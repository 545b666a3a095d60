package middleware

import (
	"context"
	"net/http"
	"strings"

	"llm_wallet/internal/auth"
	"llm_wallet/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

// ServiceClaimsKey is the context key for the authenticated token claims
const ServiceClaimsKey ContextKey = "serviceClaims"

// ServiceAuth validates service tokens and enforces that the caller holds
// one of requiredRoles. With no roles given any valid token passes.
func ServiceAuth(secret []byte, requiredRoles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := r.Header.Get("Authorization")
			if tokenString == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing authentication token")
				return
			}

			// Remove "Bearer " prefix if present
			tokenString = strings.TrimPrefix(tokenString, "Bearer ")

			claims, err := auth.ValidateToken(tokenString, secret)
			if err != nil {
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			if len(requiredRoles) > 0 {
				hasPermission := false
				for _, required := range requiredRoles {
					if claims.HasRole(required) {
						hasPermission = true
						break
					}
				}
				if !hasPermission {
					utils.RespondWithError(w, http.StatusForbidden, "Insufficient permissions")
					return
				}
			}

			ctx := context.WithValue(r.Context(), ServiceClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetServiceClaims retrieves the token claims from the request context
func GetServiceClaims(ctx context.Context) (*auth.ServiceClaims, bool) {
	claims, ok := ctx.Value(ServiceClaimsKey).(*auth.ServiceClaims)
	return claims, ok
}

// CallerID returns the subject of the authenticated token, or "" when the
// request was not authenticated
func CallerID(ctx context.Context) string {
	if claims, ok := GetServiceClaims(ctx); ok {
		return claims.Subject
	}
	return ""
}
