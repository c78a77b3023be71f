// Package credential implements the Credential & Tenant Registry:
// channel-id → tenant resolution and a short-lived, key-scoped cache of
// per-tenant platform credentials so one tenant's handler can never
// observe another's secrets.
package credential

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tandemhq/tandem/gateway-plane/internal/store"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

// ErrUnbound means the (platform, channelID) pair has no tenant and no
// default tenant is configured.
var ErrUnbound = errors.New("credential: channel not bound to any tenant")

// ErrUnavailable means credentials could not be fetched for a resolved
// tenant.
var ErrUnavailable = errors.New("credential: bundle unavailable")

const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	bundle    *models.CredentialBundle
	expiresAt time.Time
}

// Registry resolves channel bindings to tenants and caches credential
// bundles read-mostly, with the refresh path holding the write lock
// only for the duration of a single swap.
type Registry struct {
	store store.Store

	mu    sync.RWMutex
	cache map[string]cacheEntry // key: tenantID + ":" + platform

	defaultTenantID string
}

// New builds a Registry. defaultTenantID, if non-empty, is used for
// unbound channels — intended for single-tenant/local development only.
func New(st store.Store, defaultTenantID string) *Registry {
	return &Registry{
		store:           st,
		cache:           make(map[string]cacheEntry),
		defaultTenantID: defaultTenantID,
	}
}

// ResolveTenant maps a platform channel identifier to its owning
// tenant, falling through to the configured default tenant only when
// the channel is genuinely unbound.
func (r *Registry) ResolveTenant(ctx context.Context, platform models.Platform, channelID string) (string, error) {
	binding, err := r.store.GetChannelBinding(ctx, platform, channelID)
	if err == nil {
		return binding.TenantID, nil
	}
	if _, ok := err.(*store.ErrNotFound); !ok {
		return "", err
	}
	if r.defaultTenantID != "" {
		return r.defaultTenantID, nil
	}
	return "", ErrUnbound
}

// GetCredentials returns the cached bundle for (tenantID, platform),
// refreshing from the store on a cache miss or TTL expiry.
func (r *Registry) GetCredentials(ctx context.Context, tenantID string, platform models.Platform) (*models.CredentialBundle, error) {
	key := cacheKey(tenantID, platform)

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.bundle, nil
	}

	bundle, err := r.store.GetCredential(ctx, tenantID, platform)
	if err != nil {
		return nil, ErrUnavailable
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{bundle: bundle, expiresAt: time.Now().Add(cacheTTL)}
	r.mu.Unlock()

	return bundle, nil
}

// RefreshCredentials forces the next GetCredentials call for
// (tenantID, platform) to bypass the cache.
func (r *Registry) RefreshCredentials(tenantID string, platform models.Platform) {
	r.mu.Lock()
	delete(r.cache, cacheKey(tenantID, platform))
	r.mu.Unlock()
}

func cacheKey(tenantID string, platform models.Platform) string {
	return tenantID + ":" + string(platform)
}
