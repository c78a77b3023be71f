package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/tandemhq/tandem/gateway-plane/internal/ratelimit"
)

func TestInProcess_AllowsUpToLimit(t *testing.T) {
	l := ratelimit.NewInProcess()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "actor_1", 3, time.Minute)
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !ok {
			t.Fatalf("Allow() call %d = false, want true within limit", i)
		}
	}

	ok, err := l.Allow(ctx, "actor_1", 3, time.Minute)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if ok {
		t.Error("Allow() 4th call = true, want false (over limit)")
	}
}

func TestInProcess_WindowSlides(t *testing.T) {
	l := ratelimit.NewInProcess()
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "actor_2", 1, 50*time.Millisecond)
	if !ok {
		t.Fatal("first Allow() = false, want true")
	}
	ok, _ = l.Allow(ctx, "actor_2", 1, 50*time.Millisecond)
	if ok {
		t.Fatal("second Allow() within window = true, want false")
	}

	time.Sleep(100 * time.Millisecond)
	ok, _ = l.Allow(ctx, "actor_2", 1, 50*time.Millisecond)
	if !ok {
		t.Error("Allow() after window slid = false, want true")
	}
}

func TestInProcess_DistinctActorsIndependent(t *testing.T) {
	l := ratelimit.NewInProcess()
	ctx := context.Background()

	l.Allow(ctx, "actor_a", 1, time.Minute)
	ok, _ := l.Allow(ctx, "actor_b", 1, time.Minute)
	if !ok {
		t.Error("Allow() for a distinct actor = false, want true")
	}
}
