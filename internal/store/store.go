// Package store defines the persistence boundary for the gateway: one
// composed Store interface, implemented by MemoryStore (dev/test) and
// PostgresStore (production).
package store

import (
	"context"
	"time"

	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

// ErrNotFound is returned when a lookup by key finds nothing.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned by conditional writes (compare-and-swap
// updates) when the stored value no longer matches the expected
// precondition — someone else already resolved it.
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " conflict: " + e.Key
}

// ListFilter bounds and pages a List query.
type ListFilter struct {
	Limit  int
	Offset int
	Since  time.Time
}

// TenantStore manages tenants and their channel bindings.
type TenantStore interface {
	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error)
	UpdateTenant(ctx context.Context, t *models.Tenant) error
	ListTenants(ctx context.Context, filter ListFilter) ([]models.Tenant, error)

	CreateChannelBinding(ctx context.Context, b *models.ChannelBinding) error
	GetChannelBinding(ctx context.Context, platform models.Platform, channelID string) (*models.ChannelBinding, error)
	ListChannelBindings(ctx context.Context, tenantID string) ([]models.ChannelBinding, error)
}

// CredentialStore caches per-(tenant, platform) outbound send credentials.
type CredentialStore interface {
	PutCredential(ctx context.Context, c *models.CredentialBundle) error
	GetCredential(ctx context.Context, tenantID string, platform models.Platform) (*models.CredentialBundle, error)
	InvalidateCredential(ctx context.Context, tenantID string, platform models.Platform) error
}

// SenderStore tracks end users the gateway has seen messages from.
type SenderStore interface {
	UpsertSender(ctx context.Context, s *models.Sender) error
	GetSender(ctx context.Context, tenantID string, platform models.Platform, externalID string) (*models.Sender, error)
}

// OTPStore persists one-time-passcode challenges.
type OTPStore interface {
	CreateOTP(ctx context.Context, o *models.OTPRecord) error
	GetOTP(ctx context.Context, id string) (*models.OTPRecord, error)
	// IncrementAttempt atomically bumps Attempts and returns the updated
	// record; returns ErrConflict if the record is already consumed or
	// expired.
	IncrementAttempt(ctx context.Context, id string) (*models.OTPRecord, error)
	// ConsumeOTP atomically marks the record consumed; returns
	// ErrConflict if it was already consumed.
	ConsumeOTP(ctx context.Context, id string) error
}

// ConversationStore holds the per-(tenant, sender) state machine
// record. Implementations may back this with Redis (TTL-native) or an
// in-process map with a reaper goroutine.
type ConversationStore interface {
	GetState(ctx context.Context, tenantID, senderKey string) (*models.ConversationState, error)
	PutState(ctx context.Context, s *models.ConversationState, ttl time.Duration) error
	DeleteState(ctx context.Context, tenantID, senderKey string) error
}

// OrderStore manages draft and confirmed orders.
type OrderStore interface {
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	UpdateOrder(ctx context.Context, o *models.Order) error
}

// EscalationStore manages human-in-the-loop approvals.
type EscalationStore interface {
	// CreateEscalation enforces "exactly one active escalation per
	// order": it returns ErrConflict if a PENDING escalation already
	// exists for e.OrderID.
	CreateEscalation(ctx context.Context, e *models.Escalation) error
	GetEscalation(ctx context.Context, id string) (*models.Escalation, error)
	// ResolveEscalation performs a compare-and-swap: it only applies if
	// the stored status is still Pending, and returns ErrConflict
	// otherwise.
	ResolveEscalation(ctx context.Context, id string, newStatus models.EscalationStatus, resolvedBy, notes string) (*models.Escalation, error)
	// ListExpiring returns pending escalations whose ExpiresAt is at or
	// before the given time, for the sweep to expire.
	ListExpiring(ctx context.Context, asOf time.Time) ([]models.Escalation, error)
	// ExpireEscalation performs the same CAS as ResolveEscalation but
	// transitions straight to Expired with no resolver.
	ExpireEscalation(ctx context.Context, id string) error
}

// ReceiptStore tracks ingested media/receipt objects.
type ReceiptStore interface {
	CreateReceipt(ctx context.Context, r *models.ReceiptObject) error
	GetReceiptBySHA256(ctx context.Context, tenantID, sha256 string) (*models.ReceiptObject, error)
	GetReceipt(ctx context.Context, id string) (*models.ReceiptObject, error)
	UpdateOCRResult(ctx context.Context, id, status, text string, confidence float64) error
}

// AuditStore is the append-only journal.
type AuditStore interface {
	AppendAudit(ctx context.Context, a *models.AuditRecord) error
	ListAudit(ctx context.Context, tenantID string, filter ListFilter) ([]models.AuditRecord, error)
}

// IdempotencyStore deduplicates inbound webhook deliveries.
type IdempotencyStore interface {
	// MarkProcessed returns (true, nil) if this is the first time the
	// message ID has been seen for this tenant, (false, nil) if it was
	// already recorded (a retry), and ttl governs how long the record
	// is retained.
	MarkProcessed(ctx context.Context, tenantID, messageID string, ttl time.Duration) (firstSeen bool, err error)
}

// Store composes every entity store plus lifecycle methods. MemoryStore
// and PostgresStore both implement the full interface.
type Store interface {
	TenantStore
	CredentialStore
	SenderStore
	OTPStore
	ConversationStore
	OrderStore
	EscalationStore
	ReceiptStore
	AuditStore
	IdempotencyStore

	Ping(ctx context.Context) error
	Close() error
}
