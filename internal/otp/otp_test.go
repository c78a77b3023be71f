package otp_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/tandemhq/tandem/gateway-plane/internal/otp"
	"github.com/tandemhq/tandem/gateway-plane/internal/ratelimit"
	"github.com/tandemhq/tandem/gateway-plane/internal/store"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

func newService(t *testing.T) (*otp.Service, store.Store) {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("GATEWAY_DATA_DIR", dir)
	defer os.Unsetenv("GATEWAY_DATA_DIR")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return otp.NewService(s, ratelimit.NewInProcess(), 300*time.Millisecond), s
}

func TestGenerateAndVerify_Success(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	gen, err := svc.Generate(ctx, "wa:15551234567", models.OTPProfileSender, "t_1", "t_1:whatsapp:15551234567", models.OTPPurposeRegister, "")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(gen.Code) != 8 {
		t.Errorf("Generate() code length = %d, want 8", len(gen.Code))
	}

	verified, err := svc.Verify(ctx, "t_1:whatsapp:15551234567", gen.RecordID, gen.Code)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if verified.Purpose != models.OTPPurposeRegister {
		t.Errorf("Verify() purpose = %q, want %q", verified.Purpose, models.OTPPurposeRegister)
	}
}

func TestVerify_WrongCodeThenExhausted(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	gen, err := svc.Generate(ctx, "actor", models.OTPProfilePrincipal, "t_1", "sender_1", models.OTPPurposeApprove, "esc_1")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.Verify(ctx, "verify_actor_"+string(rune('a'+i)), gen.RecordID, "wrongcode"); err != otp.ErrInvalid {
			t.Fatalf("Verify() attempt %d error = %v, want ErrInvalid", i, err)
		}
	}

	// Even the correct code now fails — the record is permanently invalidated.
	if _, err := svc.Verify(ctx, "verify_actor_z", gen.RecordID, gen.Code); err != otp.ErrInvalid {
		t.Errorf("Verify() with correct code after exhaustion = %v, want ErrInvalid", err)
	}
}

func TestVerify_ExpiredRecord(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	gen, err := svc.Generate(ctx, "actor2", models.OTPProfileSender, "t_1", "sender_2", models.OTPPurposeRegister, "")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	time.Sleep(400 * time.Millisecond)
	if _, err := svc.Verify(ctx, "verify_actor2", gen.RecordID, gen.Code); err != otp.ErrInvalid {
		t.Errorf("Verify() on expired record error = %v, want ErrInvalid", err)
	}
}

func TestVerify_SingleUse(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	gen, err := svc.Generate(ctx, "actor3", models.OTPProfileSender, "t_1", "sender_3", models.OTPPurposeRegister, "")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if _, err := svc.Verify(ctx, "verify_actor3a", gen.RecordID, gen.Code); err != nil {
		t.Fatalf("first Verify() error = %v", err)
	}
	if _, err := svc.Verify(ctx, "verify_actor3b", gen.RecordID, gen.Code); err != otp.ErrInvalid {
		t.Errorf("second Verify() with the same code = %v, want ErrInvalid", err)
	}
}

func TestGenerate_ThrottledAfterLimit(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := svc.Generate(ctx, "heavy_actor", models.OTPProfilePrincipal, "t_1", "sender_4", models.OTPPurposeRegister, ""); err != nil {
			t.Fatalf("Generate() call %d error = %v", i, err)
		}
	}
	if _, err := svc.Generate(ctx, "heavy_actor", models.OTPProfilePrincipal, "t_1", "sender_4", models.OTPPurposeRegister, ""); err != otp.ErrThrottled {
		t.Errorf("Generate() 11th call error = %v, want ErrThrottled", err)
	}
}
