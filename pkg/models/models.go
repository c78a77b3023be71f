// Package models defines the domain types shared across the gateway:
// tenants, channel bindings, conversation state, OTP records, orders,
// escalations, and the audit trail that ties them together.
package models

import "time"

// ── Platform ─────────────────────────────────────────────────

// Platform identifies the inbound/outbound messaging channel.
type Platform string

const (
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformInstagram Platform = "instagram"
)

// ── Tenant ───────────────────────────────────────────────────

type Tenant struct {
	ID                 string            `json:"id" db:"id"`
	Name                string           `json:"name" db:"name"`
	Status              string           `json:"status" db:"status"` // active | suspended
	HighValueThreshold  int64            `json:"high_value_threshold_cents" db:"high_value_threshold_cents"`
	EscalationRule      string           `json:"escalation_rule,omitempty" db:"escalation_rule"` // expr-lang expression, overrides the flat threshold when set
	MerchantWebhookURL  string           `json:"merchant_webhook_url,omitempty" db:"merchant_webhook_url"`
	MerchantSecret      string           `json:"-" db:"merchant_secret"`
	Tags                map[string]string `json:"tags,omitempty"`
	CreatedAt           time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at" db:"updated_at"`
}

// ── Channel Binding ──────────────────────────────────────────

// ChannelBinding maps a platform-specific channel identifier (a WhatsApp
// Business Account phone number ID, an Instagram-class page ID) to the
// tenant that owns it — the inbound router's only key for tenant
// resolution.
type ChannelBinding struct {
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	Platform     Platform  `json:"platform" db:"platform"`
	ChannelID    string    `json:"channel_id" db:"channel_id"` // phone_number_id / page_id
	DisplayLabel string    `json:"display_label,omitempty" db:"display_label"`
	VerifyToken  string    `json:"-" db:"verify_token"`
	AppSecret    string    `json:"-" db:"app_secret"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// ── Credential Bundle ────────────────────────────────────────

// CredentialBundle holds the outbound-send credentials for a
// (tenant, platform) pair. Cached by internal/credential with a short
// TTL and invalidated explicitly on rotation.
type CredentialBundle struct {
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	Platform    Platform  `json:"platform" db:"platform"`
	AccessToken string    `json:"-" db:"access_token"`
	APIBaseURL  string    `json:"api_base_url" db:"api_base_url"`
	RotatedAt   time.Time `json:"rotated_at" db:"rotated_at"`
}

// ── Sender (end user) ────────────────────────────────────────

type Sender struct {
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	Platform    Platform  `json:"platform" db:"platform"`
	ExternalID  string    `json:"external_id" db:"external_id"` // phone number / IGSID
	DisplayName string    `json:"display_name,omitempty" db:"display_name"`
	Name        string    `json:"name,omitempty" db:"name"`       // collected during REGISTER
	Address     string    `json:"address,omitempty" db:"address"` // collected during REGISTER / ADDRESS_SET
	Verified    bool      `json:"verified" db:"verified"`
	FirstSeenAt time.Time `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at" db:"last_seen_at"`
}

// Key returns the composite identity a Sender is addressed by elsewhere
// in the system (conversation state, locks, rate limits).
func (s Sender) Key() string {
	return s.TenantID + ":" + string(s.Platform) + ":" + s.ExternalID
}

// ── OTP Record ───────────────────────────────────────────────

type OTPPurpose string

const (
	OTPPurposeRegister      OTPPurpose = "register"
	OTPPurposeApprove       OTPPurpose = "approve" // escalation resolution
	OTPPurposeMutateProfile OTPPurpose = "mutate_profile"
)

// OTPProfile selects the character set and length used when generating
// a code for a given audience — principals get a short, symbol-dense
// code over SMS; senders get a longer one over the messaging platform.
type OTPProfile string

const (
	OTPProfilePrincipal OTPProfile = "principal" // 6 chars, merchant-facing
	OTPProfileSender    OTPProfile = "sender"    // 8 chars, end-user-facing
)

// OTPRecord is a single-use, short-lived code gating a sensitive action.
// The code itself is never stored — only a salted PBKDF2 hash.
type OTPRecord struct {
	ID          string     `json:"id" db:"id"`
	TenantID    string     `json:"tenant_id" db:"tenant_id"`
	SenderKey   string     `json:"sender_key" db:"sender_key"`
	Purpose     OTPPurpose `json:"purpose" db:"purpose"`
	Subject     string     `json:"subject" db:"subject"` // order ID / escalation ID this OTP gates
	Salt        []byte     `json:"-" db:"salt"`
	Hash        []byte     `json:"-" db:"hash"`
	Attempts    int        `json:"attempts" db:"attempts"`
	MaxAttempts int        `json:"max_attempts" db:"max_attempts"`
	Consumed    bool       `json:"consumed" db:"consumed"`
	ExpiresAt   time.Time  `json:"expires_at" db:"expires_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// ── Conversation State ───────────────────────────────────────

type ConversationStep string

const (
	StepIdle                ConversationStep = "idle"
	StepAwaitName            ConversationStep = "await_name"
	StepAwaitAddress         ConversationStep = "await_address"
	StepAwaitOTP             ConversationStep = "await_otp"
	StepAwaitAddrConfirm     ConversationStep = "await_addr_confirm"
	StepAwaitVendorCounter   ConversationStep = "await_vendor_counter"
	StepAwaitCounterDecision ConversationStep = "await_counter_decision"
)

// ConversationState is the per-(tenant, sender) state-machine record
// driving the dispatcher. Payload is a small bag of step-scoped data
// (pending order ID, OTP record ID, etc).
type ConversationState struct {
	TenantID  string            `json:"tenant_id" db:"tenant_id"`
	SenderKey string            `json:"sender_key" db:"sender_key"`
	Step      ConversationStep  `json:"step" db:"step"`
	Payload   map[string]string `json:"payload,omitempty"`
	ExpiresAt time.Time         `json:"expires_at" db:"expires_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

// ── Order ────────────────────────────────────────────────────

type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusAwaitingPayment OrderStatus = "awaiting_payment"
	OrderStatusReceiptUploaded OrderStatus = "receipt_uploaded"
	OrderStatusVerified        OrderStatus = "verified"
	OrderStatusEscalated       OrderStatus = "escalated"
	OrderStatusApproved        OrderStatus = "approved"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusCompleted       OrderStatus = "completed"
)

type Order struct {
	ID          string      `json:"id" db:"id"`
	TenantID    string      `json:"tenant_id" db:"tenant_id"`
	VendorID    string      `json:"vendor_id,omitempty" db:"vendor_id"`
	SenderKey   string      `json:"sender_key" db:"sender_key"`
	AmountCents int64       `json:"amount_cents" db:"amount_cents"`
	Currency    string      `json:"currency" db:"currency"`
	Status      OrderStatus `json:"status" db:"status"`
	Address     string      `json:"address,omitempty" db:"address"`
	Items       []OrderItem `json:"items,omitempty"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

type OrderItem struct {
	SKU       string `json:"sku"`
	Qty       int    `json:"qty"`
	UnitCents int64  `json:"unit_cents"`
}

// ── Escalation ───────────────────────────────────────────────

type EscalationReason string

const (
	EscalationHighValue      EscalationReason = "high_value"
	EscalationVendorFlagged  EscalationReason = "vendor_flagged"
	EscalationOCRLowConfidence EscalationReason = "ocr_low_confidence"
)

type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationApproved EscalationStatus = "approved"
	EscalationRejected EscalationStatus = "rejected"
	EscalationExpired  EscalationStatus = "expired"
)

// Escalation hands an order or conversation decision to a human
// principal. Resolution is a compare-and-swap on Status starting from
// Pending.
type Escalation struct {
	ID         string           `json:"id" db:"id"`
	TenantID   string           `json:"tenant_id" db:"tenant_id"`
	SenderKey  string           `json:"sender_key" db:"sender_key"`
	OrderID    string           `json:"order_id,omitempty" db:"order_id"`
	Reason     EscalationReason `json:"reason" db:"reason"`
	Status     EscalationStatus `json:"status" db:"status"`
	ResolvedBy string           `json:"resolved_by,omitempty" db:"resolved_by"`
	Notes      string           `json:"notes,omitempty" db:"notes"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
	ExpiresAt  time.Time        `json:"expires_at" db:"expires_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty" db:"resolved_at"`
}

// ── Receipt Object ───────────────────────────────────────────

// ReceiptObject is a media attachment (payment receipt photo) ingested
// from an inbound message, content-addressed and stored in object
// storage, with OCR enqueued asynchronously.
type ReceiptObject struct {
	ID          string    `json:"id" db:"id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	SenderKey   string    `json:"sender_key" db:"sender_key"`
	OrderID     string    `json:"order_id,omitempty" db:"order_id"`
	SHA256      string    `json:"sha256" db:"sha256"`
	ObjectKey   string    `json:"object_key" db:"object_key"` // bucket-relative key, content-addressed
	SizeBytes   int64     `json:"size_bytes" db:"size_bytes"`
	ContentType string    `json:"content_type" db:"content_type"`
	OCRStatus   string    `json:"ocr_status" db:"ocr_status"` // pending | done | failed
	OCRText     string    `json:"ocr_text,omitempty" db:"ocr_text"`
	// OCRConfidence is set once OCRStatus reaches "done"; zero until then.
	OCRConfidence float64   `json:"ocr_confidence,omitempty" db:"ocr_confidence"`
	VendorFlagged bool      `json:"vendor_flagged" db:"vendor_flagged"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// ── Audit Record ─────────────────────────────────────────────

// AuditRecord is an append-only journal entry. Freeform fields are
// masked of PII (OTP codes, raw phone numbers beyond a suffix) before
// being written.
type AuditRecord struct {
	ID        string            `json:"id" db:"id"`
	TenantID  string            `json:"tenant_id" db:"tenant_id"`
	SenderKey string            `json:"sender_key,omitempty" db:"sender_key"`
	Action    string            `json:"action" db:"action"`
	Outcome   string            `json:"outcome" db:"outcome"` // ok | denied | error
	Detail    map[string]string `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// ── Idempotency Entry ────────────────────────────────────────

// IdempotencyEntry records a platform message ID already processed, so
// webhook retries (the platforms resend on any non-2xx or slow ack)
// never re-run the dispatcher for the same event.
type IdempotencyEntry struct {
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	MessageID string    `json:"message_id" db:"message_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ── Canonical Event ──────────────────────────────────────────

// CanonicalEvent is the platform-agnostic shape both envelope parsers
// (internal/envelope) normalize into, before the dispatcher ever sees
// a platform-specific field name.
type CanonicalEvent struct {
	Platform        Platform  `json:"platform"`
	ChannelID       string    `json:"channel_id"`
	SenderID        string    `json:"sender_id"`
	MessageID       string    `json:"message_id"`
	Text            string    `json:"text,omitempty"`
	MediaID         string    `json:"media_id,omitempty"`   // platform media handle, resolved to a URL by the media ingestor
	MediaURL        string    `json:"media_url,omitempty"`  // IG attachments carry the URL directly
	MediaType       string    `json:"media_type,omitempty"` // MIME type for WhatsApp; attachment type (e.g. "image") for IG
	PostbackPayload string    `json:"postback_payload,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	IsStatusOnly    bool      `json:"is_status_only"` // delivery/read receipts carry no message content
}

// HasMedia reports whether this event carries a media attachment.
func (e CanonicalEvent) HasMedia() bool {
	return e.MediaID != "" || e.MediaURL != ""
}

// ── Intent ───────────────────────────────────────────────────

type IntentKind string

const (
	IntentCancelFlow      IntentKind = "cancel_flow"
	IntentHelp            IntentKind = "help"
	IntentRegister        IntentKind = "register"
	IntentVerifyOTP       IntentKind = "verify_otp"
	IntentConfirmOrder    IntentKind = "confirm_order"
	IntentNegotiate       IntentKind = "negotiate"
	IntentCounterResponse IntentKind = "counter_response"
	IntentOrderStatus     IntentKind = "order_status"
	IntentAddressView     IntentKind = "address_view"
	IntentAddressSet      IntentKind = "address_set"
	IntentUploadHelp      IntentKind = "upload_help"
	IntentMediaReceipt    IntentKind = "media_receipt"
	IntentUnknown         IntentKind = "unknown"
)

// Intent is the classifier's verdict on an inbound message. Value/Value2
// hold the pattern's captured groups (e.g. Value is the OTP code for
// VerifyOTP, the order ID for Negotiate/OrderStatus, and Value2 is the
// counter amount for Negotiate).
type Intent struct {
	Kind   IntentKind
	Value  string
	Value2 string
	Accept bool // for CounterResponse: true = accept, false = reject
}

// ── Outbound Message ─────────────────────────────────────────

// OutboundMessage is what internal/outbound hands to a platform driver.
type OutboundMessage struct {
	TenantID  string   `json:"tenant_id"`
	Platform  Platform `json:"platform"`
	ChannelID string   `json:"channel_id"`
	ToID      string   `json:"to_id"`
	Text      string   `json:"text"`
}
