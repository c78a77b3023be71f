// Package handlers implements the admin HTTP surface of the commerce
// gateway: tenant/channel-binding provisioning, the escalation approval
// queue, the OCR result callback, and the vendor counter-offer side
// channel the dispatcher's negotiation flow waits on. The webhook edge
// itself lives in internal/webhook — these handlers never see a raw
// platform payload.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tandemhq/tandem/gateway-plane/internal/audit"
	"github.com/tandemhq/tandem/gateway-plane/internal/credential"
	"github.com/tandemhq/tandem/gateway-plane/internal/dispatcher"
	"github.com/tandemhq/tandem/gateway-plane/internal/escalation"
	"github.com/tandemhq/tandem/gateway-plane/internal/otp"
	"github.com/tandemhq/tandem/gateway-plane/internal/store"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

// Handlers holds the admin surface's dependencies.
type Handlers struct {
	Store       store.Store
	Escalations *escalation.Queue
	OTP         *otp.Service
	Audit       *audit.Journal
	Credentials *credential.Registry
	Dispatcher  *dispatcher.Dispatcher
}

// New builds a Handlers instance with all admin-surface dependencies.
func New(s store.Store, esc *escalation.Queue, otpSvc *otp.Service, journal *audit.Journal, creds *credential.Registry, disp *dispatcher.Dispatcher) *Handlers {
	return &Handlers{
		Store:       s,
		Escalations: esc,
		OTP:         otpSvc,
		Audit:       journal,
		Credentials: creds,
		Dispatcher:  disp,
	}
}

// ══════════════════════════════════════════════════════════════
// ── Tenants ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req models.Tenant
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.ID = uuid.New().String()
	req.Status = "active"
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = req.CreatedAt

	if err := h.Store.CreateTenant(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Str("tenant_id", req.ID).Msg("tenant created")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	tenant, err := h.Store.GetTenant(r.Context(), tenantID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tenant)
}

func (h *Handlers) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.Store.ListTenants(r.Context(), store.ListFilter{Limit: 200})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tenants == nil {
		tenants = []models.Tenant{}
	}
	respondJSON(w, http.StatusOK, tenants)
}

// UpdateTenant patches the mutable fields a merchant principal can
// configure after onboarding: status, escalation rule/threshold,
// merchant webhook, and fallback message tag.
func (h *Handlers) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	tenant, err := h.Store.GetTenant(r.Context(), tenantID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var patch struct {
		Status             *string            `json:"status"`
		HighValueThreshold *int64             `json:"high_value_threshold_cents"`
		EscalationRule     *string            `json:"escalation_rule"`
		MerchantWebhookURL *string            `json:"merchant_webhook_url"`
		MerchantSecret     *string            `json:"merchant_secret"`
		Tags               map[string]string  `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if patch.Status != nil {
		tenant.Status = *patch.Status
	}
	if patch.HighValueThreshold != nil {
		tenant.HighValueThreshold = *patch.HighValueThreshold
	}
	if patch.EscalationRule != nil {
		tenant.EscalationRule = *patch.EscalationRule
	}
	if patch.MerchantWebhookURL != nil {
		tenant.MerchantWebhookURL = *patch.MerchantWebhookURL
	}
	if patch.MerchantSecret != nil {
		tenant.MerchantSecret = *patch.MerchantSecret
	}
	if patch.Tags != nil {
		if tenant.Tags == nil {
			tenant.Tags = map[string]string{}
		}
		for k, v := range patch.Tags {
			tenant.Tags[k] = v
		}
	}
	tenant.UpdatedAt = time.Now().UTC()

	if err := h.Store.UpdateTenant(r.Context(), tenant); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, tenant)
}

// ══════════════════════════════════════════════════════════════
// ── Channel bindings & credentials ───────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) CreateChannelBinding(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req models.ChannelBinding
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.TenantID = tenantID
	req.CreatedAt = time.Now().UTC()

	if err := h.Store.CreateChannelBinding(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) ListChannelBindings(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	bindings, err := h.Store.ListChannelBindings(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if bindings == nil {
		bindings = []models.ChannelBinding{}
	}
	respondJSON(w, http.StatusOK, bindings)
}

func (h *Handlers) PutCredential(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	platform := models.Platform(chi.URLParam(r, "platform"))

	var req models.CredentialBundle
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.TenantID = tenantID
	req.Platform = platform

	if err := h.Store.PutCredential(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Credentials.RefreshCredentials(tenantID, platform)
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ══════════════════════════════════════════════════════════════
// ── Escalation approval queue ────────────────────────────────
// ══════════════════════════════════════════════════════════════

// RequestEscalationOTP issues the approval OTP a principal must present
// to ResolveEscalation, scoped to this specific escalation via
// OTPPurposeApprove + subject=escalationID.
func (h *Handlers) RequestEscalationOTP(w http.ResponseWriter, r *http.Request) {
	escalationID := chi.URLParam(r, "escalationID")

	esc, err := h.Store.GetEscalation(r.Context(), escalationID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req struct {
		ActorKey string `json:"actor_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ActorKey == "" {
		respondError(w, http.StatusBadRequest, "actor_key is required")
		return
	}

	generated, err := h.OTP.Generate(r.Context(), req.ActorKey, models.OTPProfilePrincipal, esc.TenantID, req.ActorKey, models.OTPPurposeApprove, escalationID)
	if err == otp.ErrThrottled {
		respondError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]string{"otp_record_id": generated.RecordID}
	if debugExposeOTP {
		resp["code"] = generated.Code
	}
	respondJSON(w, http.StatusOK, resp)
}

// debugExposeOTP is set by pkg/server's buildServer from
// config.GatewayConfig — never true outside local development.
var debugExposeOTP = false

// SetDebugExposeOTP lets server wiring configure whether RequestEscalationOTP
// echoes the plaintext code in its response.
func SetDebugExposeOTP(v bool) { debugExposeOTP = v }

// ResolveEscalation implements resolve_escalation(escalation_id,
// decision, otp_verification_token) (§4.10).
func (h *Handlers) ResolveEscalation(w http.ResponseWriter, r *http.Request) {
	escalationID := chi.URLParam(r, "escalationID")

	var req struct {
		ActorKey    string `json:"actor_key"`
		Decision    string `json:"decision"` // "approve" | "reject"
		OTPRecordID string `json:"otp_record_id"`
		OTPCode     string `json:"otp_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	decision := escalation.DecisionReject
	if req.Decision == string(escalation.DecisionApprove) {
		decision = escalation.DecisionApprove
	}

	esc, order, err := h.Escalations.Resolve(r.Context(), req.ActorKey, escalationID, decision, req.OTPRecordID, req.OTPCode)
	switch {
	case err == otp.ErrInvalid:
		respondError(w, http.StatusUnauthorized, "invalid or expired code")
		return
	case err == escalation.ErrAlreadyResolved:
		respondError(w, http.StatusConflict, "escalation already resolved")
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"escalation": esc, "order": order})
}

func (h *Handlers) GetEscalation(w http.ResponseWriter, r *http.Request) {
	escalationID := chi.URLParam(r, "escalationID")
	esc, err := h.Store.GetEscalation(r.Context(), escalationID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, esc)
}

// ListPendingEscalations returns every escalation currently pending —
// implemented as ListExpiring(now + 100 years), since the store has no
// dedicated "list all pending" query and every pending record has an
// ExpiresAt in the (bounded, 24h) future.
func (h *Handlers) ListPendingEscalations(w http.ResponseWriter, r *http.Request) {
	horizon := time.Now().Add(100 * 365 * 24 * time.Hour)
	pending, err := h.Store.ListExpiring(r.Context(), horizon)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pending == nil {
		pending = []models.Escalation{}
	}
	respondJSON(w, http.StatusOK, pending)
}

// ══════════════════════════════════════════════════════════════
// ── Receipt OCR callback ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// OCRCallback is the webhook the asynchronous OCR worker calls once it
// finishes transcribing a receipt (internal/media enqueues the job,
// this closes the loop).
func (h *Handlers) OCRCallback(w http.ResponseWriter, r *http.Request) {
	receiptID := chi.URLParam(r, "receiptID")

	var req struct {
		Status     string  `json:"status"` // done | failed
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.Store.UpdateOCRResult(r.Context(), receiptID, req.Status, req.Text, req.Confidence); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ══════════════════════════════════════════════════════════════
// ── Vendor counter-offer side channel ────────────────────────
// ══════════════════════════════════════════════════════════════

// SubmitVendorCounter relays a vendor's counter-offer into a buyer's
// AWAIT_VENDOR_COUNTER session (§4.7) — the out-of-scope vendor-facing
// surface calls this once it has a number to relay.
func (h *Handlers) SubmitVendorCounter(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	senderKey := chi.URLParam(r, "senderKey")

	var req struct {
		CounterAmountCents int64 `json:"counter_amount_cents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, err := h.Dispatcher.SubmitVendorCounter(r.Context(), tenantID, senderKey, req.CounterAmountCents)
	if err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

// ══════════════════════════════════════════════════════════════
// ── Audit ──────────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	records, err := h.Audit.List(r.Context(), tenantID, store.ListFilter{Limit: 200})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []models.AuditRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondStoreError(w http.ResponseWriter, err error) {
	if _, ok := err.(*store.ErrNotFound); ok {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if _, ok := err.(*store.ErrConflict); ok {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
