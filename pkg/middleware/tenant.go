// Package middleware provides shared context helpers for the gateway's
// HTTP layer. It lives in pkg/ (not internal/) so that auth providers
// and handlers across packages can share the same context keys without
// an import cycle.
package middleware

import "context"

type contextKey string

const tenantKey contextKey = "tenant_id"

// GetTenantID extracts the tenant ID from the context. Returns "" if
// none is set — callers resolve the default themselves, since what
// "default" means differs between an authenticated admin request and
// an inbound webhook (which always resolves a real tenant or rejects).
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey).(string); ok {
		return v
	}
	return ""
}

// SetTenantID stores the tenant ID in the context.
func SetTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}
