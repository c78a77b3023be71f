// Package idempotency deduplicates inbound webhook deliveries by
// platform message ID over a bounded 24h window, so platform retries
// never re-run the dispatcher for an event already processed.
package idempotency

import (
	"context"
	"time"

	"github.com/tandemhq/tandem/gateway-plane/internal/store"
)

const defaultTTL = 24 * time.Hour

// Cache wraps the store's idempotency table with the spec's fixed
// retention window.
type Cache struct {
	store store.IdempotencyStore
	ttl   time.Duration
}

// New builds a Cache with the default 24h TTL.
func New(st store.IdempotencyStore) *Cache {
	return &Cache{store: st, ttl: defaultTTL}
}

// Seen atomically checks-and-sets: it returns true if messageID has
// already been recorded for tenantID (a retry), false if this is the
// first time (and the caller should proceed to dispatch).
func (c *Cache) Seen(ctx context.Context, tenantID, messageID string) (bool, error) {
	firstSeen, err := c.store.MarkProcessed(ctx, tenantID, messageID, c.ttl)
	if err != nil {
		return false, err
	}
	return !firstSeen, nil
}
