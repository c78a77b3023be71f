package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/tandemhq/tandem/gateway-plane/internal/store"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

// newTestStore creates a fresh in-memory store for tests, persisting only
// into a per-test temp directory.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("GATEWAY_DATA_DIR", dir)
	defer os.Unsetenv("GATEWAY_DATA_DIR")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetTenant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tn := &models.Tenant{Name: "Acme Retail", Status: "active"}
	if err := s.CreateTenant(ctx, tn); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	if tn.ID == "" {
		t.Fatal("CreateTenant() did not assign an ID")
	}

	got, err := s.GetTenant(ctx, tn.ID)
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}
	if got.Name != "Acme Retail" {
		t.Errorf("GetTenant().Name = %q, want %q", got.Name, "Acme Retail")
	}
}

func TestGetTenant_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTenant(context.Background(), "nope")
	if _, ok := err.(*store.ErrNotFound); !ok {
		t.Fatalf("GetTenant() error = %v, want *ErrNotFound", err)
	}
}

func TestChannelBindingResolvesTenant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := &models.ChannelBinding{TenantID: "t_1", Platform: models.PlatformWhatsApp, ChannelID: "1234567890"}
	if err := s.CreateChannelBinding(ctx, b); err != nil {
		t.Fatalf("CreateChannelBinding() error = %v", err)
	}

	got, err := s.GetChannelBinding(ctx, models.PlatformWhatsApp, "1234567890")
	if err != nil {
		t.Fatalf("GetChannelBinding() error = %v", err)
	}
	if got.TenantID != "t_1" {
		t.Errorf("GetChannelBinding().TenantID = %q, want %q", got.TenantID, "t_1")
	}

	// Same channel ID on a different platform must not collide.
	if _, err := s.GetChannelBinding(ctx, models.PlatformInstagram, "1234567890"); err == nil {
		t.Error("GetChannelBinding() on a different platform unexpectedly succeeded")
	}
}

func TestOTPIncrementAttemptAndConsume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	otp := &models.OTPRecord{
		TenantID:    "t_1",
		SenderKey:   "t_1:whatsapp:15551234567",
		MaxAttempts: 3,
		ExpiresAt:   time.Now().Add(5 * time.Minute),
	}
	if err := s.CreateOTP(ctx, otp); err != nil {
		t.Fatalf("CreateOTP() error = %v", err)
	}

	updated, err := s.IncrementAttempt(ctx, otp.ID)
	if err != nil {
		t.Fatalf("IncrementAttempt() error = %v", err)
	}
	if updated.Attempts != 1 {
		t.Errorf("IncrementAttempt().Attempts = %d, want 1", updated.Attempts)
	}

	if err := s.ConsumeOTP(ctx, otp.ID); err != nil {
		t.Fatalf("ConsumeOTP() error = %v", err)
	}
	// A second consume must fail — single use only.
	if err := s.ConsumeOTP(ctx, otp.ID); err == nil {
		t.Error("ConsumeOTP() succeeded twice, want ErrConflict on the second call")
	}
	// Attempts on an already-consumed OTP must also be rejected.
	if _, err := s.IncrementAttempt(ctx, otp.ID); err == nil {
		t.Error("IncrementAttempt() on a consumed OTP unexpectedly succeeded")
	}
}

func TestOTPExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	otp := &models.OTPRecord{TenantID: "t_1", ExpiresAt: time.Now().Add(-time.Second)}
	if err := s.CreateOTP(ctx, otp); err != nil {
		t.Fatalf("CreateOTP() error = %v", err)
	}
	if _, err := s.IncrementAttempt(ctx, otp.ID); err == nil {
		t.Error("IncrementAttempt() on an expired OTP unexpectedly succeeded")
	}
}

func TestConversationStateTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := &models.ConversationState{TenantID: "t_1", SenderKey: "sender_1", Step: models.StepAwaitOTP}
	if err := s.PutState(ctx, state, 50*time.Millisecond); err != nil {
		t.Fatalf("PutState() error = %v", err)
	}

	got, err := s.GetState(ctx, "t_1", "sender_1")
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if got.Step != models.StepAwaitOTP {
		t.Errorf("GetState().Step = %q, want %q", got.Step, models.StepAwaitOTP)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := s.GetState(ctx, "t_1", "sender_1"); err == nil {
		t.Error("GetState() returned a state past its TTL")
	}
}

func TestEscalationResolveIsCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	esc := &models.Escalation{
		TenantID:  "t_1",
		Reason:    models.EscalationHighValue,
		Status:    models.EscalationPending,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.CreateEscalation(ctx, esc); err != nil {
		t.Fatalf("CreateEscalation() error = %v", err)
	}

	if _, err := s.ResolveEscalation(ctx, esc.ID, models.EscalationApproved, "ops@acme.test", "looks fine"); err != nil {
		t.Fatalf("ResolveEscalation() first call error = %v", err)
	}

	// Resolving an already-resolved escalation must fail, not overwrite it.
	if _, err := s.ResolveEscalation(ctx, esc.ID, models.EscalationRejected, "someone-else", ""); err == nil {
		t.Error("ResolveEscalation() resolved a non-pending escalation")
	}

	got, err := s.GetEscalation(ctx, esc.ID)
	if err != nil {
		t.Fatalf("GetEscalation() error = %v", err)
	}
	if got.Status != models.EscalationApproved {
		t.Errorf("GetEscalation().Status = %q, want %q (first resolution must stick)", got.Status, models.EscalationApproved)
	}
}

func TestListExpiringEscalations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := &models.Escalation{TenantID: "t_1", Status: models.EscalationPending, ExpiresAt: time.Now().Add(-time.Minute)}
	future := &models.Escalation{TenantID: "t_1", Status: models.EscalationPending, ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.CreateEscalation(ctx, expired); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateEscalation(ctx, future); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListExpiring(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListExpiring() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != expired.ID {
		t.Fatalf("ListExpiring() = %v, want exactly the expired escalation", got)
	}
}

func TestIdempotencyMarkProcessed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.MarkProcessed(ctx, "t_1", "wamid.abc", time.Minute)
	if err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if !first {
		t.Error("MarkProcessed() first call = false, want true")
	}

	second, err := s.MarkProcessed(ctx, "t_1", "wamid.abc", time.Minute)
	if err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if second {
		t.Error("MarkProcessed() second call = true, want false (retry of the same message)")
	}

	// A different tenant with the same platform message ID is a distinct event.
	otherTenant, err := s.MarkProcessed(ctx, "t_2", "wamid.abc", time.Minute)
	if err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if !otherTenant {
		t.Error("MarkProcessed() for a different tenant = false, want true")
	}
}

func TestAuditAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AppendAudit(ctx, &models.AuditRecord{TenantID: "t_1", Action: "otp.verify", Outcome: "ok"}); err != nil {
		t.Fatalf("AppendAudit() error = %v", err)
	}
	if err := s.AppendAudit(ctx, &models.AuditRecord{TenantID: "t_2", Action: "otp.verify", Outcome: "ok"}); err != nil {
		t.Fatalf("AppendAudit() error = %v", err)
	}

	got, err := s.ListAudit(ctx, "t_1", store.ListFilter{})
	if err != nil {
		t.Fatalf("ListAudit() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ListAudit() returned %d records, want 1 scoped to t_1", len(got))
	}
}

func TestSnapshotPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("GATEWAY_DATA_DIR", dir)
	defer os.Unsetenv("GATEWAY_DATA_DIR")

	s1 := store.NewMemoryStore()
	ctx := context.Background()
	tn := &models.Tenant{Name: "Persisted Co", Status: "active"}
	if err := s1.CreateTenant(ctx, tn); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2 := store.NewMemoryStore()
	defer s2.Close()
	got, err := s2.GetTenant(ctx, tn.ID)
	if err != nil {
		t.Fatalf("GetTenant() after restart error = %v", err)
	}
	if got.Name != "Persisted Co" {
		t.Errorf("GetTenant().Name after restart = %q, want %q", got.Name, "Persisted Co")
	}
}
