// Package escalation implements the detector and approval queue that
// pauses high-risk orders for merchant-principal sign-off (§4.10):
// threshold/vendor-flag/OCR-confidence detection, atomic creation, OTP-
// gated resolution, and a periodic expiry sweep.
package escalation

import (
	"context"
	"errors"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tandemhq/tandem/gateway-plane/internal/audit"
	"github.com/tandemhq/tandem/gateway-plane/internal/notify"
	"github.com/tandemhq/tandem/gateway-plane/internal/otp"
	"github.com/tandemhq/tandem/gateway-plane/internal/store"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

const (
	// DefaultHighValueThreshold is used when a tenant hasn't configured
	// its own cutoff.
	DefaultHighValueThreshold int64 = 1_000_000

	ocrConfidenceFloor = 0.70

	expiryWindow = 24 * time.Hour
)

// ErrAlreadyResolved is returned when a resolution attempt loses the
// compare-and-swap race on Escalation.Status.
var ErrAlreadyResolved = errors.New("escalation: already resolved")

// Queue is the escalation detector and approval queue.
type Queue struct {
	store  store.Store
	otp    *otp.Service
	notify *notify.Service
	audit  *audit.Journal
}

// New builds a Queue over the shared store, OTP service, merchant
// notifier, and audit journal.
func New(st store.Store, otpSvc *otp.Service, notifier *notify.Service, journal *audit.Journal) *Queue {
	return &Queue{store: st, otp: otpSvc, notify: notifier, audit: journal}
}

// evalContext is the variable set exposed to a tenant's custom
// escalation_rule expr-lang expression.
type evalContext struct {
	AmountCents   int64   `expr:"amount_cents"`
	VendorFlagged bool    `expr:"vendor_flagged"`
	OCRConfidence float64 `expr:"ocr_confidence"`
	HasOCR        bool    `expr:"has_ocr"`
}

// Detect evaluates the §4.10 triggers for an order about to transition
// to VERIFIED. It returns the matching reason and true if the order
// should be escalated instead. A tenant's EscalationRule, if set,
// overrides the flat-threshold/vendor-flag/OCR checks entirely.
func (q *Queue) Detect(tenant *models.Tenant, order *models.Order, receipt *models.ReceiptObject) (models.EscalationReason, bool) {
	if tenant.EscalationRule != "" {
		return q.detectByRule(tenant, order, receipt)
	}

	threshold := tenant.HighValueThreshold
	if threshold <= 0 {
		threshold = DefaultHighValueThreshold
	}
	if order.AmountCents >= threshold {
		return models.EscalationHighValue, true
	}
	if receipt != nil && receipt.VendorFlagged {
		return models.EscalationVendorFlagged, true
	}
	if receipt != nil && receipt.OCRStatus == "done" && receipt.OCRConfidence > 0 && receipt.OCRConfidence < ocrConfidenceFloor {
		return models.EscalationOCRLowConfidence, true
	}
	return "", false
}

func (q *Queue) detectByRule(tenant *models.Tenant, order *models.Order, receipt *models.ReceiptObject) (models.EscalationReason, bool) {
	env := evalContext{AmountCents: order.AmountCents}
	if receipt != nil {
		env.VendorFlagged = receipt.VendorFlagged
		env.HasOCR = receipt.OCRStatus == "done"
		env.OCRConfidence = receipt.OCRConfidence
	}

	program, err := expr.Compile(tenant.EscalationRule, expr.Env(env), expr.AsBool())
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenant.ID).Msg("escalation: invalid escalation_rule, falling back to threshold")
		threshold := tenant.HighValueThreshold
		if threshold <= 0 {
			threshold = DefaultHighValueThreshold
		}
		if order.AmountCents >= threshold {
			return models.EscalationHighValue, true
		}
		return "", false
	}

	out, err := expr.Run(program, env)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenant.ID).Msg("escalation: escalation_rule evaluation failed")
		return "", false
	}
	if match, _ := out.(bool); match {
		return models.EscalationHighValue, true
	}
	return "", false
}

// Open creates an Escalation for the given order, transitions the order
// to ESCALATED, and returns the new record. It is atomic: CreateEscalation
// fails with *store.ErrConflict if another PENDING escalation already
// exists for this order (invariant a, §3).
func (q *Queue) Open(ctx context.Context, order *models.Order, reason models.EscalationReason) (*models.Escalation, error) {
	esc := &models.Escalation{
		ID:        uuid.NewString(),
		TenantID:  order.TenantID,
		SenderKey: order.SenderKey,
		OrderID:   order.ID,
		Reason:    reason,
		Status:    models.EscalationPending,
		ExpiresAt: time.Now().Add(expiryWindow),
	}
	if err := q.store.CreateEscalation(ctx, esc); err != nil {
		return nil, err
	}

	order.Status = models.OrderStatusEscalated
	if err := q.store.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	return esc, nil
}

// Decision is the principal's resolve_escalation verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Resolve implements resolve_escalation(escalation_id, decision, otp_token)
// (§4.10): it authenticates the OTP token against the escalation it
// claims to gate, performs the PENDING→{APPROVED,REJECTED} compare-and-
// swap, and updates the associated order.
func (q *Queue) Resolve(ctx context.Context, actorKey, escalationID string, decision Decision, otpRecordID, otpCode string) (*models.Escalation, *models.Order, error) {
	verified, err := q.otp.Verify(ctx, actorKey, otpRecordID, otpCode)
	if err != nil {
		return nil, nil, err
	}
	if verified.Purpose != models.OTPPurposeApprove || verified.Subject != escalationID {
		return nil, nil, otp.ErrInvalid
	}

	newStatus := models.EscalationRejected
	if decision == DecisionApprove {
		newStatus = models.EscalationApproved
	}

	esc, err := q.store.ResolveEscalation(ctx, escalationID, newStatus, actorKey, "")
	if err != nil {
		var conflict *store.ErrConflict
		if errors.As(err, &conflict) {
			return nil, nil, ErrAlreadyResolved
		}
		return nil, nil, err
	}

	order, err := q.store.GetOrder(ctx, esc.OrderID)
	if err != nil {
		return esc, nil, err
	}
	if decision == DecisionApprove {
		order.Status = models.OrderStatusApproved
	} else {
		order.Status = models.OrderStatusRejected
	}
	if err := q.store.UpdateOrder(ctx, order); err != nil {
		return esc, nil, err
	}

	q.notifyResolved(ctx, esc, order, string(decision))
	if err := q.audit.Append(ctx, esc.TenantID, actorKey, "ESCALATION_RESOLVED", audit.OutcomeOK, map[string]string{
		"escalation_id": esc.ID,
		"order_id":      order.ID,
		"decision":      string(decision),
	}); err != nil {
		log.Warn().Err(err).Str("escalation_id", esc.ID).Msg("escalation: failed to append ESCALATION_RESOLVED audit")
	}
	return esc, order, nil
}

// notifyResolved alerts the merchant principal through the tenant's
// notification webhook once an escalation resolves. Only the merchant is
// notified; no message about the resolution is sent to the buyer or the
// vendor. Delivery is best-effort: a failed merchant webhook never
// reverses the already-committed resolution.
func (q *Queue) notifyResolved(ctx context.Context, esc *models.Escalation, order *models.Order, decision string) {
	tenant, err := q.store.GetTenant(ctx, esc.TenantID)
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", esc.TenantID).Msg("escalation: failed to load tenant for resolution notification")
		return
	}
	if err := q.notify.Notify(ctx, tenant, notify.Event{
		Type:         notify.EventEscalationResolved,
		OrderID:      order.ID,
		EscalationID: esc.ID,
		Reason:       decision,
	}); err != nil {
		log.Warn().Err(err).Str("escalation_id", esc.ID).Msg("escalation: resolution notification failed")
	}
}

// SweepExpired scans PENDING escalations older than the 24h expiry
// window and atomically transitions each to EXPIRED, rejecting the
// associated order. Intended to run on a periodic ticker (every 5 min
// per §4.10). Returns the escalations it successfully expired.
func (q *Queue) SweepExpired(ctx context.Context) ([]models.Escalation, error) {
	expiring, err := q.store.ListExpiring(ctx, time.Now())
	if err != nil {
		return nil, err
	}

	var expired []models.Escalation
	for _, e := range expiring {
		if err := q.store.ExpireEscalation(ctx, e.ID); err != nil {
			// Another sweeper/resolver won the race; skip.
			continue
		}
		if e.OrderID != "" {
			if o, err := q.store.GetOrder(ctx, e.OrderID); err == nil {
				o.Status = models.OrderStatusRejected
				_ = q.store.UpdateOrder(ctx, o)
			}
		}

		if tenant, err := q.store.GetTenant(ctx, e.TenantID); err == nil {
			if err := q.notify.Notify(ctx, tenant, notify.Event{
				Type:         notify.EventEscalationExpired,
				OrderID:      e.OrderID,
				EscalationID: e.ID,
			}); err != nil {
				log.Warn().Err(err).Str("escalation_id", e.ID).Msg("escalation: expiry notification failed")
			}
		} else {
			log.Warn().Err(err).Str("tenant_id", e.TenantID).Msg("escalation: failed to load tenant for expiry notification")
		}
		if err := q.audit.Append(ctx, e.TenantID, e.SenderKey, "ESCALATION_EXPIRED", audit.OutcomeOK, map[string]string{
			"escalation_id": e.ID,
			"order_id":      e.OrderID,
		}); err != nil {
			log.Warn().Err(err).Str("escalation_id", e.ID).Msg("escalation: failed to append ESCALATION_EXPIRED audit")
		}

		expired = append(expired, e)
	}
	return expired, nil
}
