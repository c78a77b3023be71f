package conversation

import (
	"context"
	"time"

	"github.com/tandemhq/tandem/gateway-plane/internal/store"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

// Manager implements the §4.5 operations over a pluggable
// store.ConversationStore: load, save (sliding expiry), clear.
type Manager struct {
	store store.ConversationStore
	ttl   time.Duration
}

// NewManager builds a Manager with the given sliding session TTL
// (spec default: 30 min).
func NewManager(st store.ConversationStore, ttl time.Duration) *Manager {
	return &Manager{store: st, ttl: ttl}
}

// Load returns the current state for (tenantID, senderKey), or
// (nil, nil) if there is none or it has expired — the dispatcher treats
// both as IDLE.
func (m *Manager) Load(ctx context.Context, tenantID, senderKey string) (*models.ConversationState, error) {
	st, err := m.store.GetState(ctx, tenantID, senderKey)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			return nil, nil
		}
		return nil, err
	}
	return st, nil
}

// Save overwrites the state for (tenantID, senderKey) and resets the
// sliding expiry from now.
func (m *Manager) Save(ctx context.Context, st *models.ConversationState) error {
	return m.store.PutState(ctx, st, m.ttl)
}

// Clear destroys any state for (tenantID, senderKey) — used by
// CANCEL_FLOW and by terminal transitions back to IDLE.
func (m *Manager) Clear(ctx context.Context, tenantID, senderKey string) error {
	return m.store.DeleteState(ctx, tenantID, senderKey)
}
