/**
 * @description
 * This file contains custom middleware for the HTTP router. The service sits
 * behind a gateway that terminates sessions, so caller identity arrives as a
 * trusted header; admin endpoints are protected with a shared internal key.
 *
 * @dependencies
 * - context, crypto/subtle, net/http, strings: Standard Go libraries.
 */

package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// AccountIDContextKey is a custom type for the context key to avoid collisions.
type AccountIDContextKey string

const accountIDKey AccountIDContextKey = "accountID"

// AccountHeader carries the authenticated caller's wallet address, set by the
// gateway after session validation.
const AccountHeader = "X-Account-ID"

// InternalKeyHeader authenticates service-to-service and admin calls.
const InternalKeyHeader = "X-Internal-API-Key"

// AccountAuthMiddleware requires the account header on every request and
// places the caller's account ID on the request context.
func AccountAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID := strings.TrimSpace(r.Header.Get(AccountHeader))
		if accountID == "" {
			http.Error(w, "Account header required", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), accountIDKey, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// InternalKeyMiddleware guards admin and internal endpoints with a shared
// API key, compared in constant time.
func InternalKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(InternalKeyHeader)
			if apiKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				http.Error(w, "Invalid internal API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetAccountID retrieves the caller's account ID from the request context.
// Handlers should use this function to get the authenticated account.
func GetAccountID(ctx context.Context) (string, bool) {
	accountID, ok := ctx.Value(accountIDKey).(string)
	return accountID, ok
}
