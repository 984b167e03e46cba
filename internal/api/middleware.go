/**
 * @description
 * Authentication middleware for the settlement-service: merchant JWTs for the
 * transaction endpoints and a shared API key for internal server-to-server calls.
 */
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// MerchantIDContextKey is the key used to store the merchant ID in the request context.
const MerchantIDContextKey = contextKey("merchantID")

// MerchantAuthMiddleware validates HS256 merchant JWTs and injects the merchant ID
// (the "sub" claim) into context. With no secret configured every request is rejected.
func MerchantAuthMiddleware(secret string) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(30*time.Second))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				log.Printf("level=error component=api msg=\"merchant auth not configured; rejecting request\" path=%s", r.URL.Path)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			})
			if err != nil {
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}
			if !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			merchantID, err := claims.GetSubject()
			if err != nil || strings.TrimSpace(merchantID) == "" {
				http.Error(w, "Merchant ID not found in token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), MerchantIDContextKey, merchantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InternalAuthMiddleware validates optional internal API key for server-to-server calls.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// MerchantFromContext retrieves the merchant ID from the request context.
func MerchantFromContext(ctx context.Context) (string, bool) {
	merchantID, ok := ctx.Value(MerchantIDContextKey).(string)
	return merchantID, ok
}
