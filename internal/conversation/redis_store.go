// Package conversation provides the per-(tenant, sender) state machine
// record store. RedisStore is the TTL-native backend for multi-replica
// deployments; store.MemoryStore's in-process map (with its reaper
// goroutine) remains the single-instance fallback.
package conversation

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tandemhq/tandem/gateway-plane/internal/store"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

// RedisStore implements store.ConversationStore on Redis, using the
// native key TTL instead of a background reaper — an expired key simply
// stops existing, so GetState's "expired ⇒ NONE" rule falls out of the
// backend for free.
type RedisStore struct {
	client goredis.Cmdable
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client goredis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(tenantID, senderKey string) string {
	return "conv:" + tenantID + ":" + senderKey
}

func (s *RedisStore) GetState(ctx context.Context, tenantID, senderKey string) (*models.ConversationState, error) {
	val, err := s.client.Get(ctx, redisKey(tenantID, senderKey)).Bytes()
	if err == goredis.Nil {
		return nil, &store.ErrNotFound{Entity: "conversation_state", Key: tenantID + ":" + senderKey}
	}
	if err != nil {
		return nil, err
	}
	var st models.ConversationState
	if err := json.Unmarshal(val, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *RedisStore) PutState(ctx context.Context, st *models.ConversationState, ttl time.Duration) error {
	st.UpdatedAt = time.Now().UTC()
	st.ExpiresAt = st.UpdatedAt.Add(ttl)
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKey(st.TenantID, st.SenderKey), data, ttl).Err()
}

func (s *RedisStore) DeleteState(ctx context.Context, tenantID, senderKey string) error {
	return s.client.Del(ctx, redisKey(tenantID, senderKey)).Err()
}

var _ store.ConversationStore = (*RedisStore)(nil)
