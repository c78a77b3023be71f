// Package contracts defines the service interfaces that cross package
// boundaries in the gateway: the Store alias, the outbound platform
// driver, and the notification channel driver used for principal
// (merchant) alerts.
package contracts

import (
	"context"
	"time"

	"github.com/tandemhq/tandem/gateway-plane/internal/store"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

// Store is a type alias for the internal Store interface, exposed here
// so packages outside internal/store can reference it without an
// import cycle.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Platform Driver ──────────────────────────────────────────

// PlatformDriver sends an outbound message through one messaging
// platform's send API. No type in this module implements it;
// internal/outbound calls the platform send APIs directly.
type PlatformDriver interface {
	Platform() models.Platform
	Send(ctx context.Context, creds *models.CredentialBundle, msg models.OutboundMessage) error
}

// ── Notification Channel Driver ──────────────────────────────

// NotificationEvent is the payload sent to a tenant's merchant
// notification channel when an escalation is created, resolved, or
// expires.
type NotificationEvent struct {
	Type      string            `json:"type"`
	TenantID  string            `json:"tenant_id"`
	Subject   string            `json:"subject"` // escalation ID / order ID
	Payload   map[string]string `json:"payload,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ChannelDriver delivers a NotificationEvent to a merchant-configured
// channel. No type in this module implements it; internal/notify
// delivers the signed merchant webhook directly.
type ChannelDriver interface {
	Kind() string
	Send(ctx context.Context, webhookURL, secret string, event NotificationEvent) error
}
