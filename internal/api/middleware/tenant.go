package middleware

import (
	"context"
	"net/http"
	"strings"

	pkgmw "github.com/tandemhq/tandem/gateway-plane/pkg/middleware"
)

// TenantExtractor sets an admin-route tenant scope from the X-Tenant-ID
// header or the tenant query parameter. It is NOT used on the webhook
// routes — those resolve the tenant from the signed payload's channel
// ID via the channel binding store, which the header can't be trusted
// to provide.
func TenantExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		if tenantID == "" {
			tenantID = strings.TrimSpace(r.URL.Query().Get("tenant_id"))
		}

		ctx := r.Context()
		if tenantID != "" {
			ctx = pkgmw.SetTenantID(ctx, tenantID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTenantID retrieves the tenant ID from the request context.
// Delegates to pkg/middleware.GetTenantID for cross-module compatibility.
func GetTenantID(ctx context.Context) string {
	return pkgmw.GetTenantID(ctx)
}
