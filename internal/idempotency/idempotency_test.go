package idempotency_test

import (
	"context"
	"os"
	"testing"

	"github.com/tandemhq/tandem/gateway-plane/internal/idempotency"
	"github.com/tandemhq/tandem/gateway-plane/internal/store"
)

func TestSeen_FirstThenDuplicate(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("GATEWAY_DATA_DIR", dir)
	defer os.Unsetenv("GATEWAY_DATA_DIR")
	s := store.NewMemoryStore()
	defer s.Close()

	c := idempotency.New(s)
	ctx := context.Background()

	seen, err := c.Seen(ctx, "t_1", "wamid.1")
	if err != nil {
		t.Fatalf("Seen() error = %v", err)
	}
	if seen {
		t.Error("Seen() on first delivery = true, want false")
	}

	seen, err = c.Seen(ctx, "t_1", "wamid.1")
	if err != nil {
		t.Fatalf("Seen() error = %v", err)
	}
	if !seen {
		t.Error("Seen() on retry = false, want true")
	}
}
