// Package dispatcher implements the Conversation Dispatcher (§4.7): the
// per-(tenant, sender) state machine that turns a classified intent (or
// a media receipt) into exactly one outbound reply and one audit
// record, driving registration, order confirmation, negotiation, and
// the escalation interleave for high-value receipts.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tandemhq/tandem/gateway-plane/internal/audit"
	"github.com/tandemhq/tandem/gateway-plane/internal/conversation"
	"github.com/tandemhq/tandem/gateway-plane/internal/credential"
	"github.com/tandemhq/tandem/gateway-plane/internal/escalation"
	"github.com/tandemhq/tandem/gateway-plane/internal/intent"
	"github.com/tandemhq/tandem/gateway-plane/internal/media"
	"github.com/tandemhq/tandem/gateway-plane/internal/notify"
	"github.com/tandemhq/tandem/gateway-plane/internal/otp"
	"github.com/tandemhq/tandem/gateway-plane/internal/outbound"
	"github.com/tandemhq/tandem/gateway-plane/internal/store"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

const defaultFallback = "sorry, I didn't understand that. Reply 'help' for options."

// mediaIngestor is the subset of *media.Ingestor the dispatcher needs —
// declared here so tests can substitute a fake instead of standing up
// S3/NATS.
type mediaIngestor interface {
	Ingest(ctx context.Context, tenantID, senderKey, orderID, mediaURL, contentType, accessToken string) (*models.ReceiptObject, error)
}

// Dispatcher drives the conversation state machine described in §4.7.
type Dispatcher struct {
	conv        *conversation.Manager
	otp         *otp.Service
	escalations *escalation.Queue
	media       mediaIngestor
	outbound    *outbound.Engine
	notify      *notify.Service
	audit       *audit.Journal
	credentials *credential.Registry
	store       store.Store
}

// New builds a Dispatcher wiring every collaborator §4.7 depends on.
func New(
	conv *conversation.Manager,
	otpSvc *otp.Service,
	escalations *escalation.Queue,
	media mediaIngestor,
	outboundEngine *outbound.Engine,
	notifier *notify.Service,
	journal *audit.Journal,
	credentials *credential.Registry,
	st store.Store,
) *Dispatcher {
	return &Dispatcher{
		conv:        conv,
		otp:         otpSvc,
		escalations: escalations,
		media:       media,
		outbound:    outboundEngine,
		notify:      notifier,
		audit:       journal,
		credentials: credentials,
		store:       st,
	}
}

func isAwaitStep(step models.ConversationStep) bool {
	switch step {
	case models.StepAwaitName, models.StepAwaitAddress, models.StepAwaitOTP,
		models.StepAwaitAddrConfirm, models.StepAwaitVendorCounter, models.StepAwaitCounterDecision:
		return true
	default:
		return false
	}
}

// Handle processes one already-deduplicated, already-signature-verified
// canonical event for (tenant, ev.SenderID) and returns the reply sent
// to the buyer. Callers MUST serialize calls for the same sender key
// (internal/keylock) — Handle itself does not.
func (d *Dispatcher) Handle(ctx context.Context, tenant *models.Tenant, ev models.CanonicalEvent) (string, error) {
	senderKey := models.Sender{TenantID: tenant.ID, Platform: ev.Platform, ExternalID: ev.SenderID}.Key()

	if err := d.store.UpsertSender(ctx, &models.Sender{TenantID: tenant.ID, Platform: ev.Platform, ExternalID: ev.SenderID}); err != nil {
		return "", fmt.Errorf("dispatcher: upsert sender: %w", err)
	}

	d.auditOK(ctx, tenant.ID, senderKey, "INBOUND_ACCEPTED", map[string]string{"message_id": ev.MessageID})

	state, err := d.conv.Load(ctx, tenant.ID, senderKey)
	if err != nil {
		return "", fmt.Errorf("dispatcher: load conversation state: %w", err)
	}

	if state != nil && isAwaitStep(state.Step) && time.Now().After(state.ExpiresAt) {
		if err := d.conv.Clear(ctx, tenant.ID, senderKey); err != nil {
			return "", fmt.Errorf("dispatcher: clear expired state: %w", err)
		}
		d.auditOK(ctx, tenant.ID, senderKey, "STATE_EXPIRED", map[string]string{"step": string(state.Step)})
		reply := "Session expired, please start again."
		d.sendReply(ctx, tenant, senderKey, reply)
		return reply, nil
	}
	if state != nil && time.Now().After(state.ExpiresAt) {
		// Idle-with-payload expiry: just drop the stale context silently.
		state = nil
	}

	if ev.HasMedia() {
		reply := d.handleMediaReceipt(ctx, tenant, senderKey, ev, state)
		d.sendReply(ctx, tenant, senderKey, reply)
		return reply, nil
	}

	text := ev.PostbackPayload
	if text == "" {
		text = ev.Text
	}
	in := intent.Classify(text)

	if in.Kind == models.IntentCancelFlow {
		if err := d.conv.Clear(ctx, tenant.ID, senderKey); err != nil {
			return "", fmt.Errorf("dispatcher: clear state on cancel: %w", err)
		}
		d.auditOK(ctx, tenant.ID, senderKey, "CANCEL_FLOW", nil)
		reply := "Okay, cancelled. Send 'help' any time to see what I can do."
		d.sendReply(ctx, tenant, senderKey, reply)
		return reply, nil
	}
	if in.Kind == models.IntentHelp {
		d.auditOK(ctx, tenant.ID, senderKey, "HELP", nil)
		reply := "You can: register, confirm <order id>, negotiate <order id> <amount>, order <order id>, address, update address to <value>, upload a receipt photo, or cancel."
		d.sendReply(ctx, tenant, senderKey, reply)
		return reply, nil
	}

	step := models.StepIdle
	payload := map[string]string{}
	if state != nil {
		step = state.Step
		if state.Payload != nil {
			payload = state.Payload
		}
	}

	reply := d.dispatchStep(ctx, tenant, senderKey, step, payload, ev, in)
	d.sendReply(ctx, tenant, senderKey, reply)
	return reply, nil
}

// SubmitVendorCounter is the side-channel entry point (§4.7) a
// principal uses to relay a vendor's counter-offer into a buyer's
// AWAIT_VENDOR_COUNTER session, moving it to AWAIT_COUNTER_DECISION.
func (d *Dispatcher) SubmitVendorCounter(ctx context.Context, tenantID, senderKey string, counterAmountCents int64) (string, error) {
	state, err := d.conv.Load(ctx, tenantID, senderKey)
	if err != nil {
		return "", fmt.Errorf("dispatcher: load conversation state: %w", err)
	}
	if state == nil || state.Step != models.StepAwaitVendorCounter {
		return "", fmt.Errorf("dispatcher: %s has no pending negotiation", senderKey)
	}

	tenant, err := d.store.GetTenant(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("dispatcher: load tenant: %w", err)
	}

	if state.Payload == nil {
		state.Payload = map[string]string{}
	}
	state.Payload["counter_amount_cents"] = strconv.FormatInt(counterAmountCents, 10)
	state.Step = models.StepAwaitCounterDecision
	if err := d.conv.Save(ctx, state); err != nil {
		return "", fmt.Errorf("dispatcher: save conversation state: %w", err)
	}

	reply := fmt.Sprintf("The vendor countered with %d. Reply 'accept counter' or 'reject counter'.", counterAmountCents)
	d.auditOK(ctx, tenantID, senderKey, "VENDOR_COUNTER_RECEIVED", map[string]string{"amount_cents": strconv.FormatInt(counterAmountCents, 10)})
	d.sendReply(ctx, tenant, senderKey, reply)
	return reply, nil
}

func (d *Dispatcher) dispatchStep(ctx context.Context, tenant *models.Tenant, senderKey string, step models.ConversationStep, payload map[string]string, ev models.CanonicalEvent, in models.Intent) string {
	switch step {
	case models.StepAwaitName:
		return d.handleAwaitName(ctx, tenant, senderKey, ev)
	case models.StepAwaitAddress:
		return d.handleAwaitAddress(ctx, tenant, senderKey, payload, ev)
	case models.StepAwaitOTP:
		return d.handleAwaitOTP(ctx, tenant, senderKey, payload, ev)
	case models.StepAwaitAddrConfirm:
		return d.handleAwaitAddrConfirm(ctx, tenant, senderKey, payload, ev, in)
	case models.StepAwaitVendorCounter:
		return "Still waiting on the vendor's response — hold tight."
	case models.StepAwaitCounterDecision:
		return d.handleAwaitCounterDecision(ctx, tenant, senderKey, payload, in)
	default:
		return d.handleIdle(ctx, tenant, senderKey, payload, in)
	}
}

func (d *Dispatcher) handleIdle(ctx context.Context, tenant *models.Tenant, senderKey string, payload map[string]string, in models.Intent) string {
	switch in.Kind {
	case models.IntentRegister:
		d.saveState(ctx, tenant.ID, senderKey, models.StepAwaitName, nil)
		return "What's your name?"

	case models.IntentConfirmOrder:
		orderID := in.Value
		if orderID == "" {
			orderID = payload["order_id"]
		}
		order, ok := d.loadOrder(ctx, tenant.ID, orderID)
		if !ok {
			return "I couldn't find that order. Please check the order ID and try again."
		}
		d.saveState(ctx, tenant.ID, senderKey, models.StepAwaitAddrConfirm, map[string]string{"order_id": order.ID})
		return fmt.Sprintf("Confirm delivery address %q? Reply 'yes' or send a new address.", order.Address)

	case models.IntentNegotiate:
		order, ok := d.loadOrder(ctx, tenant.ID, in.Value)
		if !ok {
			return "I couldn't find that order. Please check the order ID and try again."
		}
		d.saveState(ctx, tenant.ID, senderKey, models.StepAwaitVendorCounter, map[string]string{
			"order_id":              order.ID,
			"proposed_amount_cents": in.Value2,
		})
		return "Your offer has been sent to the vendor. We'll let you know once they respond."

	case models.IntentOrderStatus:
		order, ok := d.loadOrder(ctx, tenant.ID, in.Value)
		if !ok {
			return "I couldn't find that order. Please check the order ID and try again."
		}
		return fmt.Sprintf("Order %s is currently %s.", order.ID, order.Status)

	case models.IntentAddressView:
		orderID := payload["order_id"]
		order, ok := d.loadOrder(ctx, tenant.ID, orderID)
		if !ok || order.Address == "" {
			return "No address on file yet."
		}
		return "Your delivery address: " + order.Address

	case models.IntentAddressSet:
		orderID := payload["order_id"]
		order, ok := d.loadOrder(ctx, tenant.ID, orderID)
		if !ok {
			return "Start an order first by sending 'confirm <order id>'."
		}
		order.Address = in.Value
		if err := d.store.UpdateOrder(ctx, order); err != nil {
			log.Warn().Err(err).Msg("dispatcher: update order address failed")
			return genericError(tenant)
		}
		return "Address updated."

	case models.IntentUploadHelp:
		return "Send a photo or PDF of your payment receipt and we'll take it from there."

	default:
		return d.fallback(tenant, "")
	}
}

func (d *Dispatcher) handleAwaitName(ctx context.Context, tenant *models.Tenant, senderKey string, ev models.CanonicalEvent) string {
	name := strings.TrimSpace(ev.Text)
	if name == "" {
		return "Please tell me your name."
	}
	d.saveState(ctx, tenant.ID, senderKey, models.StepAwaitAddress, map[string]string{"name": name})
	return "Thanks! What's your delivery address?"
}

func (d *Dispatcher) handleAwaitAddress(ctx context.Context, tenant *models.Tenant, senderKey string, payload map[string]string, ev models.CanonicalEvent) string {
	address := strings.TrimSpace(ev.Text)
	if address == "" {
		return "Please share your delivery address."
	}

	generated, err := d.otp.Generate(ctx, senderKey, models.OTPProfileSender, tenant.ID, senderKey, models.OTPPurposeRegister, senderKey)
	if err == otp.ErrThrottled {
		d.auditDenied(ctx, tenant.ID, senderKey, "THROTTLED", map[string]string{"action": "otp_generate"})
		return "Too many requests — please try again in a bit."
	}
	if err != nil {
		log.Warn().Err(err).Msg("dispatcher: otp generate failed")
		return genericError(tenant)
	}

	payload["address"] = address
	payload["otp_record_id"] = generated.RecordID
	d.saveState(ctx, tenant.ID, senderKey, models.StepAwaitOTP, payload)
	return fmt.Sprintf("Your verification code is %s. Reply with this code to finish registering.", generated.Code)
}

// reVerifyCode extracts a presented OTP code from raw (case-preserved)
// text — intent.Classify case-folds its Value, which would defeat a
// code containing uppercase letters, so AWAIT_OTP reads the code
// straight off the inbound text instead of trusting the classifier.
var reVerifyCode = regexp.MustCompile(`(?i)^(?:verify\s+)?([A-Za-z0-9!@#$%^&*]{6,8})$`)

func (d *Dispatcher) handleAwaitOTP(ctx context.Context, tenant *models.Tenant, senderKey string, payload map[string]string, ev models.CanonicalEvent) string {
	m := reVerifyCode.FindStringSubmatch(strings.TrimSpace(ev.Text))
	if m == nil {
		return "Please reply with your verification code, or 'cancel'."
	}
	code := m[1]

	recordID := payload["otp_record_id"]
	exhausted := false
	if rec, gerr := d.store.GetOTP(ctx, recordID); gerr == nil && rec.Attempts >= rec.MaxAttempts {
		exhausted = true
	}
	if _, err := d.otp.Verify(ctx, senderKey, recordID, code); err != nil {
		action := "OTP_FAIL"
		if exhausted {
			action = "OTP_FAIL_TERMINAL"
		}
		d.auditDenied(ctx, tenant.ID, senderKey, action, nil)
		return "Invalid or expired code."
	}

	sender, gerr := d.store.GetSender(ctx, tenant.ID, platformFromSenderKey(senderKey), externalIDFromSenderKey(senderKey))
	if gerr == nil {
		sender.Name = payload["name"]
		sender.Address = payload["address"]
		sender.Verified = true
		_ = d.store.UpsertSender(ctx, sender)
	}

	if err := d.conv.Clear(ctx, tenant.ID, senderKey); err != nil {
		log.Warn().Err(err).Msg("dispatcher: clear state after verify failed")
	}
	d.auditOK(ctx, tenant.ID, senderKey, "REGISTER_VERIFIED", nil)
	return "Verification successful! You're all set."
}

func (d *Dispatcher) handleAwaitAddrConfirm(ctx context.Context, tenant *models.Tenant, senderKey string, payload map[string]string, ev models.CanonicalEvent, in models.Intent) string {
	orderID := payload["order_id"]

	if in.Kind == models.IntentAddressSet {
		order, ok := d.loadOrder(ctx, tenant.ID, orderID)
		if !ok {
			return genericError(tenant)
		}
		order.Address = in.Value
		if err := d.store.UpdateOrder(ctx, order); err != nil {
			log.Warn().Err(err).Msg("dispatcher: update order address failed")
			return genericError(tenant)
		}
		d.saveState(ctx, tenant.ID, senderKey, models.StepIdle, map[string]string{"order_id": orderID})
		return "Address updated. Please proceed with payment and upload your receipt."
	}

	if strings.EqualFold(strings.TrimSpace(ev.Text), "yes") {
		order, ok := d.loadOrder(ctx, tenant.ID, orderID)
		if !ok {
			return genericError(tenant)
		}
		order.Status = models.OrderStatusAwaitingPayment
		if err := d.store.UpdateOrder(ctx, order); err != nil {
			log.Warn().Err(err).Msg("dispatcher: update order status failed")
			return genericError(tenant)
		}
		d.saveState(ctx, tenant.ID, senderKey, models.StepIdle, map[string]string{"order_id": orderID})
		return "Great, please upload your payment receipt."
	}

	return "Reply 'yes' to confirm the address above, or send a new one."
}

func (d *Dispatcher) handleAwaitCounterDecision(ctx context.Context, tenant *models.Tenant, senderKey string, payload map[string]string, in models.Intent) string {
	if in.Kind != models.IntentCounterResponse {
		return "Reply 'accept counter' or 'reject counter'."
	}

	orderID := payload["order_id"]
	order, ok := d.loadOrder(ctx, tenant.ID, orderID)
	if !ok {
		return genericError(tenant)
	}

	var reply string
	if in.Accept {
		order.Status = models.OrderStatusAwaitingPayment
		reply = "Counter accepted! Please proceed with payment and upload your receipt."
	} else {
		order.Status = models.OrderStatusCancelled
		reply = "Counter rejected. Let us know if you'd like to make a new offer."
	}
	if err := d.store.UpdateOrder(ctx, order); err != nil {
		log.Warn().Err(err).Msg("dispatcher: update order after counter decision failed")
		return genericError(tenant)
	}
	d.saveState(ctx, tenant.ID, senderKey, models.StepIdle, map[string]string{"order_id": orderID})
	d.auditOK(ctx, tenant.ID, senderKey, "COUNTER_RESPONSE", map[string]string{"accept": strconv.FormatBool(in.Accept)})
	return reply
}

// handleMediaReceipt implements §4.8 plus the §4.7 escalation
// interleave. It never changes conversation step/payload — a receipt
// upload is a pure side effect on whatever state the sender was in.
func (d *Dispatcher) handleMediaReceipt(ctx context.Context, tenant *models.Tenant, senderKey string, ev models.CanonicalEvent, state *models.ConversationState) string {
	orderID := ""
	if state != nil && state.Payload != nil {
		orderID = state.Payload["order_id"]
	}

	mediaURL := ev.MediaURL
	bundle, err := d.credentials.GetCredentials(ctx, tenant.ID, ev.Platform)
	if err != nil {
		d.auditError(ctx, tenant.ID, senderKey, "RECEIPT_UPLOAD_FAIL", map[string]string{"reason": "credentials_unavailable"})
		return "Upload failed, please retry."
	}
	if mediaURL == "" && ev.MediaID != "" {
		mediaURL = bundle.APIBaseURL + "/" + ev.MediaID
	}

	receipt, err := d.media.Ingest(ctx, tenant.ID, senderKey, orderID, mediaURL, ev.MediaType, bundle.AccessToken)
	if err != nil {
		switch {
		case errors.Is(err, media.ErrUnsupportedMIME), errors.Is(err, media.ErrTooLarge):
			d.auditDenied(ctx, tenant.ID, senderKey, "RECEIPT_UPLOAD_FAIL", map[string]string{"reason": "unsupported_format"})
			return "Unsupported receipt format."
		default:
			d.auditError(ctx, tenant.ID, senderKey, "RECEIPT_UPLOAD_FAIL", map[string]string{"reason": "ingest_error"})
			return "Upload failed, please retry."
		}
	}

	d.auditOK(ctx, tenant.ID, senderKey, "RECEIPT_UPLOADED", map[string]string{"receipt_id": receipt.ID})

	if orderID == "" {
		return "Received, under review."
	}
	order, err := d.store.GetOrder(ctx, orderID)
	if err != nil || order.TenantID != tenant.ID {
		return "Received, under review."
	}

	if reason, escalate := d.escalations.Detect(tenant, order, receipt); escalate {
		esc, err := d.escalations.Open(ctx, order, reason)
		if err != nil {
			log.Warn().Err(err).Str("order_id", order.ID).Msg("dispatcher: open escalation failed")
			return "Received, under review."
		}
		if err := d.notify.Notify(ctx, tenant, notify.Event{
			Type:         notify.EventEscalationCreated,
			OrderID:      order.ID,
			EscalationID: esc.ID,
			Reason:       string(reason),
		}); err != nil {
			log.Warn().Err(err).Str("order_id", order.ID).Msg("dispatcher: merchant notify failed")
		}
		return "Your order is under review — we'll get back to you within 24 hours."
	}

	order.Status = models.OrderStatusVerified
	if err := d.store.UpdateOrder(ctx, order); err != nil {
		log.Warn().Err(err).Msg("dispatcher: update order to verified failed")
	}
	return "Received, under review."
}

func (d *Dispatcher) loadOrder(ctx context.Context, tenantID, orderID string) (*models.Order, bool) {
	if orderID == "" {
		return nil, false
	}
	order, err := d.store.GetOrder(ctx, orderID)
	if err != nil || order.TenantID != tenantID {
		return nil, false
	}
	return order, true
}

func (d *Dispatcher) saveState(ctx context.Context, tenantID, senderKey string, step models.ConversationStep, payload map[string]string) {
	if err := d.conv.Save(ctx, &models.ConversationState{
		TenantID:  tenantID,
		SenderKey: senderKey,
		Step:      step,
		Payload:   payload,
	}); err != nil {
		log.Warn().Err(err).Str("sender_key", senderKey).Msg("dispatcher: save conversation state failed")
	}
}

func (d *Dispatcher) fallback(tenant *models.Tenant, override string) string {
	if override != "" {
		return override
	}
	if msg := tenant.Tags["fallback_message"]; msg != "" {
		return msg
	}
	return defaultFallback
}

// genericError is the §7 Internal taxonomy's user-visible message: it
// never leaks the underlying failure, which has already been logged by
// the caller.
func genericError(*models.Tenant) string {
	return "Sorry, something went wrong on our end. Please try again shortly."
}

func (d *Dispatcher) sendReply(ctx context.Context, tenant *models.Tenant, senderKey, body string) {
	platform := platformFromSenderKey(senderKey)
	externalID := externalIDFromSenderKey(senderKey)
	result, err := d.outbound.SendText(ctx, tenant.ID, platform, externalID, body)
	if err != nil {
		outcome := "retryable"
		if result == outbound.PermanentError {
			outcome = "permanent"
			d.auditError(ctx, tenant.ID, senderKey, "SEND_FAIL", map[string]string{"outcome": outcome})
		}
		log.Warn().Err(err).Str("sender_key", senderKey).Str("result", string(result)).Msg("dispatcher: outbound send failed")
	}
}

func (d *Dispatcher) auditOK(ctx context.Context, tenantID, senderKey, action string, detail map[string]string) {
	if err := d.audit.Append(ctx, tenantID, senderKey, action, audit.OutcomeOK, detail); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("dispatcher: audit append failed")
	}
}

func (d *Dispatcher) auditDenied(ctx context.Context, tenantID, senderKey, action string, detail map[string]string) {
	if err := d.audit.Append(ctx, tenantID, senderKey, action, audit.OutcomeDenied, detail); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("dispatcher: audit append failed")
	}
}

func (d *Dispatcher) auditError(ctx context.Context, tenantID, senderKey, action string, detail map[string]string) {
	if err := d.audit.Append(ctx, tenantID, senderKey, action, audit.OutcomeError, detail); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("dispatcher: audit append failed")
	}
}

// platformFromSenderKey / externalIDFromSenderKey split the composite
// "tenant:platform:external_id" key models.Sender.Key() produces.
func platformFromSenderKey(senderKey string) models.Platform {
	parts := strings.SplitN(senderKey, ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return models.Platform(parts[1])
}

func externalIDFromSenderKey(senderKey string) string {
	parts := strings.SplitN(senderKey, ":", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
