package escalation_test

import (
	"context"
	"testing"
	"time"

	"github.com/tandemhq/tandem/gateway-plane/internal/audit"
	"github.com/tandemhq/tandem/gateway-plane/internal/escalation"
	"github.com/tandemhq/tandem/gateway-plane/internal/notify"
	"github.com/tandemhq/tandem/gateway-plane/internal/otp"
	"github.com/tandemhq/tandem/gateway-plane/internal/ratelimit"
	"github.com/tandemhq/tandem/gateway-plane/internal/store"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

func newQueue(t *testing.T) (*escalation.Queue, store.Store, *otp.Service) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	otpSvc := otp.NewService(st, ratelimit.NewInProcess(), 5*time.Minute)
	return escalation.New(st, otpSvc, notify.NewService(), audit.New(st)), st, otpSvc
}

func TestDetect_HighValueThreshold(t *testing.T) {
	q, _, _ := newQueue(t)
	tenant := &models.Tenant{ID: "t_1", HighValueThreshold: 1_000_000}

	below := &models.Order{AmountCents: 999_999}
	if _, escalate := q.Detect(tenant, below, nil); escalate {
		t.Error("Detect() at threshold-1 escalated, want not escalated")
	}

	atThreshold := &models.Order{AmountCents: 1_000_000}
	reason, escalate := q.Detect(tenant, atThreshold, nil)
	if !escalate || reason != models.EscalationHighValue {
		t.Errorf("Detect() at threshold = (%v, %v), want (HIGH_VALUE, true)", reason, escalate)
	}
}

func TestDetect_VendorFlagged(t *testing.T) {
	q, _, _ := newQueue(t)
	tenant := &models.Tenant{ID: "t_1", HighValueThreshold: 1_000_000}
	order := &models.Order{AmountCents: 100}
	receipt := &models.ReceiptObject{VendorFlagged: true}

	reason, escalate := q.Detect(tenant, order, receipt)
	if !escalate || reason != models.EscalationVendorFlagged {
		t.Errorf("Detect() vendor-flagged = (%v, %v), want (VENDOR_FLAGGED, true)", reason, escalate)
	}
}

func TestDetect_OCRLowConfidence(t *testing.T) {
	q, _, _ := newQueue(t)
	tenant := &models.Tenant{ID: "t_1", HighValueThreshold: 1_000_000}
	order := &models.Order{AmountCents: 100}
	receipt := &models.ReceiptObject{OCRStatus: "done", OCRConfidence: 0.4}

	reason, escalate := q.Detect(tenant, order, receipt)
	if !escalate || reason != models.EscalationOCRLowConfidence {
		t.Errorf("Detect() low-confidence = (%v, %v), want (OCR_LOW_CONFIDENCE, true)", reason, escalate)
	}
}

func TestOpen_RejectsSecondPendingForSameOrder(t *testing.T) {
	q, st, _ := newQueue(t)
	ctx := context.Background()

	order := &models.Order{ID: "order_1", TenantID: "t_1", SenderKey: "t_1:whatsapp:1", AmountCents: 2_000_000, Status: models.OrderStatusVerified}
	if err := st.CreateOrder(ctx, order); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	if _, err := q.Open(ctx, order, models.EscalationHighValue); err != nil {
		t.Fatalf("first Open() error = %v", err)
	}
	if order.Status != models.OrderStatusEscalated {
		t.Errorf("order.Status = %v, want ESCALATED", order.Status)
	}

	if _, err := q.Open(ctx, order, models.EscalationHighValue); err == nil {
		t.Error("second Open() for the same order succeeded, want conflict")
	}
}

func TestResolve_ApproveMarksOrderApproved(t *testing.T) {
	q, st, otpSvc := newQueue(t)
	ctx := context.Background()

	order := &models.Order{ID: "order_2", TenantID: "t_1", SenderKey: "t_1:whatsapp:2", AmountCents: 2_000_000}
	if err := st.CreateOrder(ctx, order); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	esc, err := q.Open(ctx, order, models.EscalationHighValue)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	gen, err := otpSvc.Generate(ctx, "principal_1", models.OTPProfilePrincipal, "t_1", order.SenderKey, models.OTPPurposeApprove, esc.ID)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	resolved, resolvedOrder, err := q.Resolve(ctx, "principal_1", esc.ID, escalation.DecisionApprove, gen.RecordID, gen.Code)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if resolved.Status != models.EscalationApproved {
		t.Errorf("Escalation.Status = %v, want APPROVED", resolved.Status)
	}
	if resolvedOrder.Status != models.OrderStatusApproved {
		t.Errorf("Order.Status = %v, want APPROVED", resolvedOrder.Status)
	}
}

func TestResolve_LosingRaceReturnsAlreadyResolved(t *testing.T) {
	q, st, otpSvc := newQueue(t)
	ctx := context.Background()

	order := &models.Order{ID: "order_3", TenantID: "t_1", SenderKey: "t_1:whatsapp:3", AmountCents: 2_000_000}
	if err := st.CreateOrder(ctx, order); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	esc, err := q.Open(ctx, order, models.EscalationHighValue)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	gen1, _ := otpSvc.Generate(ctx, "principal_a", models.OTPProfilePrincipal, "t_1", order.SenderKey, models.OTPPurposeApprove, esc.ID)
	if _, _, err := q.Resolve(ctx, "principal_a", esc.ID, escalation.DecisionApprove, gen1.RecordID, gen1.Code); err != nil {
		t.Fatalf("first Resolve() error = %v", err)
	}

	gen2, _ := otpSvc.Generate(ctx, "principal_b", models.OTPProfilePrincipal, "t_1", order.SenderKey, models.OTPPurposeApprove, esc.ID)
	if _, _, err := q.Resolve(ctx, "principal_b", esc.ID, escalation.DecisionReject, gen2.RecordID, gen2.Code); err != escalation.ErrAlreadyResolved {
		t.Errorf("second Resolve() error = %v, want ErrAlreadyResolved", err)
	}
}

func TestSweepExpired(t *testing.T) {
	q, st, _ := newQueue(t)
	ctx := context.Background()

	order := &models.Order{ID: "order_4", TenantID: "t_1", SenderKey: "t_1:whatsapp:4", AmountCents: 2_000_000}
	if err := st.CreateOrder(ctx, order); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	esc := &models.Escalation{ID: "esc_4", TenantID: "t_1", OrderID: order.ID, Reason: models.EscalationHighValue, Status: models.EscalationPending, ExpiresAt: time.Now().Add(-time.Minute)}
	if err := st.CreateEscalation(ctx, esc); err != nil {
		t.Fatalf("CreateEscalation() error = %v", err)
	}

	expired, err := q.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if len(expired) != 1 || expired[0].ID != esc.ID {
		t.Fatalf("SweepExpired() = %+v, want [esc_4]", expired)
	}

	got, err := st.GetEscalation(ctx, esc.ID)
	if err != nil {
		t.Fatalf("GetEscalation() error = %v", err)
	}
	if got.Status != models.EscalationExpired {
		t.Errorf("Escalation.Status = %v, want EXPIRED", got.Status)
	}
	gotOrder, err := st.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if gotOrder.Status != models.OrderStatusRejected {
		t.Errorf("Order.Status = %v, want REJECTED", gotOrder.Status)
	}
}
