// Package store — in-memory Store implementation.
// Used when DATABASE_URL is unset (local dev, tests). Supports
// file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Tenants      map[string]*models.Tenant                   `json:"tenants"`
	Bindings     map[string]*models.ChannelBinding            `json:"bindings"` // key: platform:channel_id
	Credentials  map[string]*models.CredentialBundle          `json:"credentials"`
	Senders      map[string]*models.Sender                    `json:"senders"`
	OTPs         map[string]*models.OTPRecord                 `json:"otps"`
	Conversations map[string]*convEntry                       `json:"conversations"`
	Orders       map[string]*models.Order                     `json:"orders"`
	Escalations  map[string]*models.Escalation                `json:"escalations"`
	Receipts     map[string]*models.ReceiptObject             `json:"receipts"`
	AuditRecords []*models.AuditRecord                        `json:"audit_records"`
}

// convEntry wraps a ConversationState with its own expiry so the reaper
// can evict it without touching the ConversationState's own fields.
type convEntry struct {
	State     *models.ConversationState
	ExpiresAt time.Time
}

type idempotencyEntry struct {
	ExpiresAt time.Time
}

// MemoryStore implements Store with in-memory maps guarded by one
// coarse RWMutex. Adequate for a single-replica gateway; behind
// DATABASE_URL, PostgresStore takes over so escalation CAS and
// idempotency checks are safe across multiple replicas.
type MemoryStore struct {
	mu sync.RWMutex

	tenants      map[string]*models.Tenant
	bindings     map[string]*models.ChannelBinding // key: platform:channel_id
	credentials  map[string]*models.CredentialBundle // key: tenant:platform
	senders      map[string]*models.Sender          // key: Sender.Key()
	otps         map[string]*models.OTPRecord
	conversations map[string]*convEntry // key: tenant:sender_key
	orders       map[string]*models.Order
	escalations  map[string]*models.Escalation
	receipts     map[string]*models.ReceiptObject
	auditRecords []*models.AuditRecord
	idempotency  map[string]*idempotencyEntry // key: tenant:message_id

	snapshotPath string
	saveMu       sync.Mutex
	saveCh       chan struct{}
	doneCh       chan struct{}
}

// NewMemoryStore creates a new in-memory store.
// If GATEWAY_DATA_DIR is set, data is persisted to a JSON file in that directory.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		tenants:       make(map[string]*models.Tenant),
		bindings:      make(map[string]*models.ChannelBinding),
		credentials:   make(map[string]*models.CredentialBundle),
		senders:       make(map[string]*models.Sender),
		otps:          make(map[string]*models.OTPRecord),
		conversations: make(map[string]*convEntry),
		orders:        make(map[string]*models.Order),
		escalations:   make(map[string]*models.Escalation),
		receipts:      make(map[string]*models.ReceiptObject),
		idempotency:   make(map[string]*idempotencyEntry),
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
	}

	dataDir := os.Getenv("GATEWAY_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".gateway-plane")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}
	go m.reapLoop()

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

func bindingKey(platform models.Platform, channelID string) string {
	return string(platform) + ":" + channelID
}

func credentialKey(tenantID string, platform models.Platform) string {
	return tenantID + ":" + string(platform)
}

func idemKey(tenantID, messageID string) string {
	return tenantID + ":" + messageID
}

// ── Tenant / Channel Binding ─────────────────────────────────

func (m *MemoryStore) CreateTenant(_ context.Context, t *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	m.tenants[t.ID] = t
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetTenant(_ context.Context, tenantID string) (*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, &ErrNotFound{Entity: "tenant", Key: tenantID}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpdateTenant(_ context.Context, t *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[t.ID]; !ok {
		return &ErrNotFound{Entity: "tenant", Key: t.ID}
	}
	t.UpdatedAt = time.Now().UTC()
	m.tenants[t.ID] = t
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListTenants(_ context.Context, filter ListFilter) ([]models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		if !filter.Since.IsZero() && t.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, *t)
	}
	return applyPage(out, filter), nil
}

func (m *MemoryStore) CreateChannelBinding(_ context.Context, b *models.ChannelBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.CreatedAt = time.Now().UTC()
	m.bindings[bindingKey(b.Platform, b.ChannelID)] = b
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetChannelBinding(_ context.Context, platform models.Platform, channelID string) (*models.ChannelBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[bindingKey(platform, channelID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "channel_binding", Key: bindingKey(platform, channelID)}
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) ListChannelBindings(_ context.Context, tenantID string) ([]models.ChannelBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ChannelBinding
	for _, b := range m.bindings {
		if b.TenantID == tenantID {
			out = append(out, *b)
		}
	}
	return out, nil
}

// ── Credentials ──────────────────────────────────────────────

func (m *MemoryStore) PutCredential(_ context.Context, c *models.CredentialBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.RotatedAt = time.Now().UTC()
	m.credentials[credentialKey(c.TenantID, c.Platform)] = c
	return nil
}

func (m *MemoryStore) GetCredential(_ context.Context, tenantID string, platform models.Platform) (*models.CredentialBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[credentialKey(tenantID, platform)]
	if !ok {
		return nil, &ErrNotFound{Entity: "credential", Key: credentialKey(tenantID, platform)}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) InvalidateCredential(_ context.Context, tenantID string, platform models.Platform) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.credentials, credentialKey(tenantID, platform))
	return nil
}

// ── Senders ──────────────────────────────────────────────────

func (m *MemoryStore) UpsertSender(_ context.Context, s *models.Sender) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	key := s.Key()
	if existing, ok := m.senders[key]; ok {
		s.FirstSeenAt = existing.FirstSeenAt
	} else {
		s.FirstSeenAt = now
	}
	s.LastSeenAt = now
	m.senders[key] = s
	return nil
}

func (m *MemoryStore) GetSender(_ context.Context, tenantID string, platform models.Platform, externalID string) (*models.Sender, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := models.Sender{TenantID: tenantID, Platform: platform, ExternalID: externalID}.Key()
	s, ok := m.senders[key]
	if !ok {
		return nil, &ErrNotFound{Entity: "sender", Key: key}
	}
	cp := *s
	return &cp, nil
}

// ── OTP ──────────────────────────────────────────────────────

func (m *MemoryStore) CreateOTP(_ context.Context, o *models.OTPRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.CreatedAt = time.Now().UTC()
	m.otps[o.ID] = o
	return nil
}

func (m *MemoryStore) GetOTP(_ context.Context, id string) (*models.OTPRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.otps[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "otp", Key: id}
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) IncrementAttempt(_ context.Context, id string) (*models.OTPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.otps[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "otp", Key: id}
	}
	if o.Consumed || time.Now().After(o.ExpiresAt) {
		return nil, &ErrConflict{Entity: "otp", Key: id}
	}
	o.Attempts++
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ConsumeOTP(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.otps[id]
	if !ok {
		return &ErrNotFound{Entity: "otp", Key: id}
	}
	if o.Consumed {
		return &ErrConflict{Entity: "otp", Key: id}
	}
	o.Consumed = true
	return nil
}

// ── Conversation state ───────────────────────────────────────

func convKey(tenantID, senderKey string) string { return tenantID + ":" + senderKey }

func (m *MemoryStore) GetState(_ context.Context, tenantID, senderKey string) (*models.ConversationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.conversations[convKey(tenantID, senderKey)]
	if !ok || time.Now().After(e.ExpiresAt) {
		return nil, &ErrNotFound{Entity: "conversation_state", Key: convKey(tenantID, senderKey)}
	}
	cp := *e.State
	return &cp, nil
}

func (m *MemoryStore) PutState(_ context.Context, s *models.ConversationState, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = time.Now().UTC()
	s.ExpiresAt = s.UpdatedAt.Add(ttl)
	m.conversations[convKey(s.TenantID, s.SenderKey)] = &convEntry{State: s, ExpiresAt: s.ExpiresAt}
	return nil
}

func (m *MemoryStore) DeleteState(_ context.Context, tenantID, senderKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, convKey(tenantID, senderKey))
	return nil
}

// ── Orders ───────────────────────────────────────────────────

func (m *MemoryStore) CreateOrder(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	m.orders[o.ID] = o
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "order", Key: id}
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) UpdateOrder(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		return &ErrNotFound{Entity: "order", Key: o.ID}
	}
	o.UpdatedAt = time.Now().UTC()
	m.orders[o.ID] = o
	m.requestSave()
	return nil
}

// ── Escalations ──────────────────────────────────────────────

func (m *MemoryStore) CreateEscalation(_ context.Context, e *models.Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.OrderID != "" {
		for _, existing := range m.escalations {
			if existing.OrderID == e.OrderID && existing.Status == models.EscalationPending {
				return &ErrConflict{Entity: "escalation", Key: e.OrderID}
			}
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()
	m.escalations[e.ID] = e
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetEscalation(_ context.Context, id string) (*models.Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escalations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "escalation", Key: id}
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ResolveEscalation(_ context.Context, id string, newStatus models.EscalationStatus, resolvedBy, notes string) (*models.Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escalations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "escalation", Key: id}
	}
	if e.Status != models.EscalationPending {
		return nil, &ErrConflict{Entity: "escalation", Key: id}
	}
	now := time.Now().UTC()
	e.Status = newStatus
	e.ResolvedBy = resolvedBy
	e.Notes = notes
	e.ResolvedAt = &now
	m.requestSave()
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListExpiring(_ context.Context, asOf time.Time) ([]models.Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Escalation
	for _, e := range m.escalations {
		if e.Status == models.EscalationPending && !e.ExpiresAt.After(asOf) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *MemoryStore) ExpireEscalation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escalations[id]
	if !ok {
		return &ErrNotFound{Entity: "escalation", Key: id}
	}
	if e.Status != models.EscalationPending {
		return &ErrConflict{Entity: "escalation", Key: id}
	}
	now := time.Now().UTC()
	e.Status = models.EscalationExpired
	e.ResolvedAt = &now
	m.requestSave()
	return nil
}

// ── Receipts ─────────────────────────────────────────────────

func (m *MemoryStore) CreateReceipt(_ context.Context, r *models.ReceiptObject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()
	m.receipts[r.ID] = r
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetReceiptBySHA256(_ context.Context, tenantID, sha256 string) (*models.ReceiptObject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.receipts {
		if r.TenantID == tenantID && r.SHA256 == sha256 {
			cp := *r
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "receipt", Key: sha256}
}

func (m *MemoryStore) GetReceipt(_ context.Context, id string) (*models.ReceiptObject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "receipt", Key: id}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateOCRResult(_ context.Context, id, status, text string, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if !ok {
		return &ErrNotFound{Entity: "receipt", Key: id}
	}
	r.OCRStatus = status
	r.OCRText = text
	r.OCRConfidence = confidence
	m.requestSave()
	return nil
}

// ── Audit ────────────────────────────────────────────────────

func (m *MemoryStore) AppendAudit(_ context.Context, a *models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()
	m.auditRecords = append(m.auditRecords, a)
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, tenantID string, filter ListFilter) ([]models.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuditRecord
	for _, a := range m.auditRecords {
		if a.TenantID != tenantID {
			continue
		}
		if !filter.Since.IsZero() && a.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, *a)
	}
	return applyPage(out, filter), nil
}

// ── Idempotency ──────────────────────────────────────────────

func (m *MemoryStore) MarkProcessed(_ context.Context, tenantID, messageID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := idemKey(tenantID, messageID)
	if e, ok := m.idempotency[key]; ok && time.Now().Before(e.ExpiresAt) {
		return false, nil
	}
	m.idempotency[key] = &idempotencyEntry{ExpiresAt: time.Now().Add(ttl)}
	return true, nil
}

// ── Lifecycle ────────────────────────────────────────────────

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	close(m.doneCh)
	if m.snapshotPath != "" {
		m.saveSnapshot()
	}
	return nil
}

// ── Background maintenance ───────────────────────────────────

func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// reapLoop evicts expired conversation states and idempotency entries.
// Escalation expiry is handled separately by internal/retention so that
// notifying the tenant stays outside the store layer.
func (m *MemoryStore) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.reapExpired()
		}
	}
}

func (m *MemoryStore) reapExpired() {
	now := time.Now()
	m.mu.Lock()
	var reaped int
	for k, e := range m.conversations {
		if now.After(e.ExpiresAt) {
			delete(m.conversations, k)
			reaped++
		}
	}
	for k, e := range m.idempotency {
		if now.After(e.ExpiresAt) {
			delete(m.idempotency, k)
			reaped++
		}
	}
	m.mu.Unlock()
	if reaped > 0 {
		log.Debug().Int("reaped", reaped).Msg("Memory store reaped expired entries")
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	conv := make(map[string]*convEntry, len(m.conversations))
	for k, v := range m.conversations {
		conv[k] = v
	}
	snap := snapshot{
		Tenants:       m.tenants,
		Bindings:      m.bindings,
		Credentials:   m.credentials,
		Senders:       m.senders,
		OTPs:          m.otps,
		Conversations: conv,
		Orders:        m.orders,
		Escalations:   m.escalations,
		Receipts:      m.receipts,
		AuditRecords:  m.auditRecords,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Tenants != nil {
		m.tenants = snap.Tenants
	}
	if snap.Bindings != nil {
		m.bindings = snap.Bindings
	}
	if snap.Credentials != nil {
		m.credentials = snap.Credentials
	}
	if snap.Senders != nil {
		m.senders = snap.Senders
	}
	if snap.OTPs != nil {
		m.otps = snap.OTPs
	}
	if snap.Conversations != nil {
		m.conversations = snap.Conversations
	}
	if snap.Orders != nil {
		m.orders = snap.Orders
	}
	if snap.Escalations != nil {
		m.escalations = snap.Escalations
	}
	if snap.Receipts != nil {
		m.receipts = snap.Receipts
	}
	if snap.AuditRecords != nil {
		m.auditRecords = snap.AuditRecords
	}
	log.Info().Str("path", m.snapshotPath).Msg("Loaded snapshot")
}

func applyPage[T any](items []T, filter ListFilter) []T {
	if filter.Offset > 0 {
		if filter.Offset >= len(items) {
			return []T{}
		}
		items = items[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(items) {
		items = items[:filter.Limit]
	}
	return items
}
