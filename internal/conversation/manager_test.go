package conversation_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/tandemhq/tandem/gateway-plane/internal/conversation"
	"github.com/tandemhq/tandem/gateway-plane/internal/store"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

func newManager(t *testing.T, ttl time.Duration) *conversation.Manager {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("GATEWAY_DATA_DIR", dir)
	defer os.Unsetenv("GATEWAY_DATA_DIR")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return conversation.NewManager(s, ttl)
}

func TestLoad_NoStateReturnsNilNotError(t *testing.T) {
	m := newManager(t, time.Minute)
	st, err := m.Load(context.Background(), "t_1", "sender_1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if st != nil {
		t.Errorf("Load() on unseen sender = %+v, want nil", st)
	}
}

func TestSaveThenLoad(t *testing.T) {
	m := newManager(t, time.Minute)
	ctx := context.Background()

	want := &models.ConversationState{TenantID: "t_1", SenderKey: "sender_1", Step: models.StepAwaitName}
	if err := m.Save(ctx, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := m.Load(ctx, "t_1", "sender_1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got == nil || got.Step != models.StepAwaitName {
		t.Errorf("Load() = %+v, want Step=%q", got, models.StepAwaitName)
	}
}

func TestClear(t *testing.T) {
	m := newManager(t, time.Minute)
	ctx := context.Background()
	m.Save(ctx, &models.ConversationState{TenantID: "t_1", SenderKey: "sender_1", Step: models.StepAwaitOTP})

	if err := m.Clear(ctx, "t_1", "sender_1"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	got, err := m.Load(ctx, "t_1", "sender_1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != nil {
		t.Errorf("Load() after Clear() = %+v, want nil", got)
	}
}

func TestSave_ExpiresAfterTTL(t *testing.T) {
	m := newManager(t, 50*time.Millisecond)
	ctx := context.Background()
	m.Save(ctx, &models.ConversationState{TenantID: "t_1", SenderKey: "sender_1", Step: models.StepAwaitOTP})

	time.Sleep(100 * time.Millisecond)
	got, err := m.Load(ctx, "t_1", "sender_1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != nil {
		t.Errorf("Load() after TTL = %+v, want nil", got)
	}
}
