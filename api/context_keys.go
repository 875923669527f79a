package api

import (
	"context"
)

// contextKey is a private type to prevent context key collisions across packages.
// Only this package can create these keys, so identity cannot be injected by
// other middleware through a string key.
type contextKey string

const (
	// ContextKeyClaims stores the verified JWT claims (*Claims)
	ContextKeyClaims contextKey = "claims"

	// ContextKeyRequestID stores the unique request identifier (string)
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyClientIP stores the resolved client address (string)
	ContextKeyClientIP contextKey = "client_ip"
)

// GetClaims extracts the authenticated caller from the context.
// Returns nil and false for anonymous requests.
func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ContextKeyClaims).(*Claims)
	return claims, ok && claims != nil
}

// WithClaims creates a new context carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ContextKeyClaims, claims)
}

// GetRequestID extracts the request ID from the context.
func GetRequestID(ctx context.Context) (string, bool) {
	requestID, ok := ctx.Value(ContextKeyRequestID).(string)
	return requestID, ok
}

// GetRequestIDOrDefault extracts the request ID from the context or returns "unknown".
// Used for logging where a default value is acceptable.
func GetRequestIDOrDefault(ctx context.Context) string {
	if requestID, ok := GetRequestID(ctx); ok && requestID != "" {
		return requestID
	}
	return "unknown"
}

// WithRequestID creates a new context with the request ID value.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// GetClientIP returns the address the rate limiter keyed the request on.
func GetClientIP(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(ContextKeyClientIP).(string)
	return ip, ok
}

// WithClientIP creates a new context with the resolved client address.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ContextKeyClientIP, ip)
}
