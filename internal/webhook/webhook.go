// Package webhook implements the HTTP edge of the gateway: the
// hub.challenge verification handshake and the signed POST endpoint
// every WhatsApp-class and Instagram-class delivery platform calls.
// It owns the §7 error-taxonomy mapping from an inbound delivery to an
// HTTP status code, stopping short of conversation semantics — those
// live in internal/dispatcher.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tandemhq/tandem/gateway-plane/internal/audit"
	"github.com/tandemhq/tandem/gateway-plane/internal/credential"
	"github.com/tandemhq/tandem/gateway-plane/internal/dispatcher"
	"github.com/tandemhq/tandem/gateway-plane/internal/envelope"
	"github.com/tandemhq/tandem/gateway-plane/internal/idempotency"
	"github.com/tandemhq/tandem/gateway-plane/internal/keylock"
	"github.com/tandemhq/tandem/gateway-plane/internal/signature"
	"github.com/tandemhq/tandem/gateway-plane/internal/store"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

// parseFunc is one of envelope.ParseWhatsApp / envelope.ParseInstagram.
type parseFunc func([]byte) ([]models.CanonicalEvent, error)

// Handlers wires the webhook edge's collaborators.
type Handlers struct {
	store       store.Store
	credentials *credential.Registry
	idempotency *idempotency.Cache
	locks       *keylock.Table
	dispatcher  *dispatcher.Dispatcher
	audit       *audit.Journal

	verifyToken string
	waAppSecret string
	igAppSecret string
}

// New builds the webhook Handlers. verifyToken is the single
// hub.verify_token compared on every GET handshake; waAppSecret/
// igAppSecret are fallback HMAC secrets used only when a channel
// binding carries no AppSecret of its own.
func New(
	st store.Store,
	credentials *credential.Registry,
	idem *idempotency.Cache,
	locks *keylock.Table,
	disp *dispatcher.Dispatcher,
	journal *audit.Journal,
	verifyToken, waAppSecret, igAppSecret string,
) *Handlers {
	return &Handlers{
		store:       st,
		credentials: credentials,
		idempotency: idem,
		locks:       locks,
		dispatcher:  disp,
		audit:       journal,
		verifyToken: verifyToken,
		waAppSecret: waAppSecret,
		igAppSecret: igAppSecret,
	}
}

// Verify handles the GET handshake both platforms issue when a webhook
// URL is first subscribed: echo hub.challenge iff hub.mode is
// "subscribe" and hub.verify_token matches.
func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == h.verifyToken {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, q.Get("hub.challenge"))
		return
	}
	http.Error(w, "forbidden", http.StatusForbidden)
}

// HandleWhatsApp is the POST endpoint for WhatsApp-class deliveries.
func (h *Handlers) HandleWhatsApp(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, models.PlatformWhatsApp, envelope.ParseWhatsApp, h.waAppSecret)
}

// HandleInstagram is the POST endpoint for Instagram-class deliveries.
func (h *Handlers) HandleInstagram(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, models.PlatformInstagram, envelope.ParseInstagram, h.igAppSecret)
}

func (h *Handlers) handle(w http.ResponseWriter, r *http.Request, platform models.Platform, parse parseFunc, defaultSecret string) {
	ctx := r.Context()

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	events, _ := parse(rawBody)
	if len(events) == 0 {
		// ParseSkip: malformed body or a status-only delivery receipt.
		w.WriteHeader(http.StatusOK)
		return
	}

	channelID := events[0].ChannelID
	tenantID, err := h.credentials.ResolveTenant(ctx, platform, channelID)
	if err == credential.ErrUnbound {
		h.auditUnresolved(ctx, platform, channelID)
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("channel_id", channelID).Msg("webhook: tenant resolution failed")
		h.respondInternal(w, platform, channelID)
		return
	}

	binding, err := h.store.GetChannelBinding(ctx, platform, channelID)
	secret := defaultSecret
	if err == nil && binding.AppSecret != "" {
		secret = binding.AppSecret
	}
	if sigErr := signature.Verify(secret, rawBody, r.Header.Get("X-Hub-Signature-256")); sigErr != nil {
		h.auditSignatureFail(ctx, tenantID, platform, channelID, secret, rawBody)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	tenant, err := h.store.GetTenant(ctx, tenantID)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("webhook: tenant lookup failed")
		h.respondInternal(w, platform, channelID)
		return
	}

	status := http.StatusOK
	for _, ev := range events {
		if envelope.IsStale(ev.Timestamp) {
			h.auditSkip(ctx, tenant.ID, ev, "STALE")
			continue
		}

		dup, err := h.idempotency.Seen(ctx, tenant.ID, ev.MessageID)
		if err != nil {
			log.Error().Err(err).Str("message_id", ev.MessageID).Msg("webhook: idempotency check failed")
			status = http.StatusInternalServerError
			continue
		}
		if dup {
			continue
		}

		if err := h.dispatchOne(ctx, tenant, ev); err != nil {
			log.Error().Err(err).Str("message_id", ev.MessageID).Msg("webhook: dispatch failed")
			status = http.StatusInternalServerError
		}
	}

	w.WriteHeader(status)
}

func (h *Handlers) dispatchOne(ctx context.Context, tenant *models.Tenant, ev models.CanonicalEvent) error {
	senderKey := models.Sender{TenantID: tenant.ID, Platform: ev.Platform, ExternalID: ev.SenderID}.Key()
	unlock := h.locks.Lock(senderKey)
	defer unlock()

	_, err := h.dispatcher.Handle(ctx, tenant, ev)
	return err
}

// unresolvedTenant is the pseudo-tenant audit records land under when a
// channel can't be mapped to any real tenant — there is no tenant scope
// to attach the record to yet.
const unresolvedTenant = "_unresolved"

func (h *Handlers) auditUnresolved(ctx context.Context, platform models.Platform, channelID string) {
	if err := h.audit.Append(ctx, unresolvedTenant, string(platform)+":"+channelID, "TENANT_UNRESOLVED", audit.OutcomeDenied, nil); err != nil {
		log.Warn().Err(err).Str("channel_id", channelID).Msg("webhook: audit append failed")
	}
}

func (h *Handlers) auditSignatureFail(ctx context.Context, tenantID string, platform models.Platform, channelID, secret string, rawBody []byte) {
	detail := map[string]string{"digest_prefix": signature.MaskedDigestPrefix(secret, rawBody)}
	if err := h.audit.Append(ctx, tenantID, string(platform)+":"+channelID, "AUTH_SIGNATURE_FAIL", audit.OutcomeDenied, detail); err != nil {
		log.Warn().Err(err).Str("channel_id", channelID).Msg("webhook: audit append failed")
	}
}

func (h *Handlers) auditSkip(ctx context.Context, tenantID string, ev models.CanonicalEvent, reason string) {
	senderKey := models.Sender{TenantID: tenantID, Platform: ev.Platform, ExternalID: ev.SenderID}.Key()
	if err := h.audit.Append(ctx, tenantID, senderKey, reason, audit.OutcomeOK, map[string]string{"message_id": ev.MessageID}); err != nil {
		log.Warn().Err(err).Str("message_id", ev.MessageID).Msg("webhook: audit append failed")
	}
}

func (h *Handlers) respondInternal(w http.ResponseWriter, platform models.Platform, channelID string) {
	correlationID := uuid.NewString()
	log.Error().Str("correlation_id", correlationID).Str("platform", string(platform)).Str("channel_id", channelID).Msg("webhook: internal error")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal error", "correlation_id": correlationID})
}
