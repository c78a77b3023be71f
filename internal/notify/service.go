// Package notify delivers merchant-principal alerts over the tenant's
// registered webhook channel — the out-of-scope collaborator surface
// referenced by SPEC_FULL.md §6 for escalation created/resolved/expired
// events. It is a single-purpose trim of a general multi-channel
// notifier: one driver, one direction (gateway → merchant).
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

// EventType names the merchant-facing escalation lifecycle events.
type EventType string

const (
	EventEscalationCreated  EventType = "escalation_created"
	EventEscalationResolved EventType = "escalation_resolved"
	EventEscalationExpired  EventType = "escalation_expired"
)

// Event is the payload posted to the merchant webhook.
type Event struct {
	Type         EventType `json:"type"`
	TenantID     string    `json:"tenant_id"`
	OrderID      string    `json:"order_id,omitempty"`
	EscalationID string    `json:"escalation_id"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Service posts merchant alerts to a tenant's configured webhook.
type Service struct {
	client *http.Client
}

// NewService builds a merchant notification service.
func NewService() *Service {
	return &Service{client: &http.Client{Timeout: 15 * time.Second}}
}

// Notify posts event to the tenant's MerchantWebhookURL, HMAC-signing
// the body with MerchantSecret when one is configured. Delivery here is
// best-effort: a failed merchant alert never blocks or reverses the
// escalation state transition that triggered it.
func (s *Service) Notify(ctx context.Context, tenant *models.Tenant, event Event) error {
	if tenant.MerchantWebhookURL == "" {
		return nil
	}
	event.TenantID = tenant.ID
	event.Timestamp = time.Now().UTC()

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal merchant notification: %w", err)
	}

	var signature string
	if tenant.MerchantSecret != "" {
		mac := hmac.New(sha256.New, []byte(tenant.MerchantSecret))
		mac.Write(body)
		signature = "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt*2) * time.Second)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tenant.MerchantWebhookURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build merchant notification request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Gateway-Event", string(event.Type))
		if signature != "" {
			req.Header.Set("X-Gateway-Signature", signature)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("merchant webhook HTTP %d", resp.StatusCode)
	}

	log.Warn().Str("tenant_id", tenant.ID).Str("event", string(event.Type)).Err(lastErr).Msg("merchant notification failed")
	return lastErr
}
