package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

// PostgresStore implements Store on top of a pgx connection pool. Takes
// over from MemoryStore whenever DATABASE_URL is set, giving the
// escalation CAS and idempotency dedupe correct semantics across
// multiple gateway replicas.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens the pool, verifies connectivity, and ensures
// the schema exists.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().Int32("max_conns", cfg.MaxConns).Msg("postgres connection pool created")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	return err
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	high_value_threshold_cents BIGINT NOT NULL DEFAULT 0,
	escalation_rule TEXT NOT NULL DEFAULT '',
	merchant_webhook_url TEXT NOT NULL DEFAULT '',
	merchant_secret TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS channel_bindings (
	platform TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	display_label TEXT NOT NULL DEFAULT '',
	verify_token TEXT NOT NULL DEFAULT '',
	app_secret TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (platform, channel_id)
);
CREATE TABLE IF NOT EXISTS credentials (
	tenant_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	access_token TEXT NOT NULL,
	api_base_url TEXT NOT NULL,
	rotated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, platform)
);
CREATE TABLE IF NOT EXISTS senders (
	tenant_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	external_id TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL DEFAULT '',
	verified BOOLEAN NOT NULL DEFAULT FALSE,
	first_seen_at TIMESTAMPTZ NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, platform, external_id)
);
CREATE TABLE IF NOT EXISTS otp_records (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	purpose TEXT NOT NULL,
	subject TEXT NOT NULL,
	salt BYTEA NOT NULL,
	hash BYTEA NOT NULL,
	attempts INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL,
	consumed BOOLEAN NOT NULL DEFAULT FALSE,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS conversation_states (
	tenant_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	step TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, sender_key)
);
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	amount_cents BIGINT NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL,
	items JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS escalations (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	order_id TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL,
	status TEXT NOT NULL,
	resolved_by TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS one_pending_escalation_per_order
	ON escalations (order_id) WHERE status = 'pending' AND order_id != '';
CREATE TABLE IF NOT EXISTS receipt_objects (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	order_id TEXT NOT NULL DEFAULT '',
	sha256 TEXT NOT NULL,
	object_key TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	content_type TEXT NOT NULL,
	ocr_status TEXT NOT NULL DEFAULT 'pending',
	ocr_text TEXT NOT NULL DEFAULT '',
	ocr_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	vendor_flagged BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, sha256)
);
CREATE TABLE IF NOT EXISTS audit_records (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	sender_key TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	outcome TEXT NOT NULL,
	detail JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant_created ON audit_records (tenant_id, created_at);
CREATE TABLE IF NOT EXISTS idempotency_entries (
	tenant_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, message_id)
);
`

// ── Tenant / Channel Binding ─────────────────────────────────

func (s *PostgresStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, status, high_value_threshold_cents, escalation_rule, merchant_webhook_url, merchant_secret, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.ID, t.Name, t.Status, t.HighValueThreshold, t.EscalationRule, t.MerchantWebhookURL, t.MerchantSecret, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *PostgresStore) GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, name, status, high_value_threshold_cents, escalation_rule, merchant_webhook_url, merchant_secret, created_at, updated_at FROM tenants WHERE id=$1`, tenantID)
	var t models.Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.Status, &t.HighValueThreshold, &t.EscalationRule, &t.MerchantWebhookURL, &t.MerchantSecret, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "tenant", Key: tenantID}
		}
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) UpdateTenant(ctx context.Context, t *models.Tenant) error {
	t.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenants SET name=$2, status=$3, high_value_threshold_cents=$4, escalation_rule=$5, merchant_webhook_url=$6, merchant_secret=$7, updated_at=$8
		WHERE id=$1`, t.ID, t.Name, t.Status, t.HighValueThreshold, t.EscalationRule, t.MerchantWebhookURL, t.MerchantSecret, t.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "tenant", Key: t.ID}
	}
	return nil
}

func (s *PostgresStore) ListTenants(ctx context.Context, filter ListFilter) ([]models.Tenant, error) {
	query := `SELECT id, name, status, high_value_threshold_cents, escalation_rule, merchant_webhook_url, merchant_secret, created_at, updated_at FROM tenants WHERE created_at >= $1 ORDER BY created_at LIMIT $2 OFFSET $3`
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, query, filter.Since, limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Status, &t.HighValueThreshold, &t.EscalationRule, &t.MerchantWebhookURL, &t.MerchantSecret, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateChannelBinding(ctx context.Context, b *models.ChannelBinding) error {
	b.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO channel_bindings (platform, channel_id, tenant_id, display_label, verify_token, app_secret, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (platform, channel_id) DO UPDATE SET tenant_id=$3, display_label=$4, verify_token=$5, app_secret=$6`,
		b.Platform, b.ChannelID, b.TenantID, b.DisplayLabel, b.VerifyToken, b.AppSecret, b.CreatedAt)
	return err
}

func (s *PostgresStore) GetChannelBinding(ctx context.Context, platform models.Platform, channelID string) (*models.ChannelBinding, error) {
	row := s.pool.QueryRow(ctx, `SELECT platform, channel_id, tenant_id, display_label, verify_token, app_secret, created_at FROM channel_bindings WHERE platform=$1 AND channel_id=$2`, platform, channelID)
	var b models.ChannelBinding
	if err := row.Scan(&b.Platform, &b.ChannelID, &b.TenantID, &b.DisplayLabel, &b.VerifyToken, &b.AppSecret, &b.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "channel_binding", Key: bindingKey(platform, channelID)}
		}
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) ListChannelBindings(ctx context.Context, tenantID string) ([]models.ChannelBinding, error) {
	rows, err := s.pool.Query(ctx, `SELECT platform, channel_id, tenant_id, display_label, verify_token, app_secret, created_at FROM channel_bindings WHERE tenant_id=$1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ChannelBinding
	for rows.Next() {
		var b models.ChannelBinding
		if err := rows.Scan(&b.Platform, &b.ChannelID, &b.TenantID, &b.DisplayLabel, &b.VerifyToken, &b.AppSecret, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ── Credentials ──────────────────────────────────────────────

func (s *PostgresStore) PutCredential(ctx context.Context, c *models.CredentialBundle) error {
	c.RotatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (tenant_id, platform, access_token, api_base_url, rotated_at) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (tenant_id, platform) DO UPDATE SET access_token=$3, api_base_url=$4, rotated_at=$5`,
		c.TenantID, c.Platform, c.AccessToken, c.APIBaseURL, c.RotatedAt)
	return err
}

func (s *PostgresStore) GetCredential(ctx context.Context, tenantID string, platform models.Platform) (*models.CredentialBundle, error) {
	row := s.pool.QueryRow(ctx, `SELECT tenant_id, platform, access_token, api_base_url, rotated_at FROM credentials WHERE tenant_id=$1 AND platform=$2`, tenantID, platform)
	var c models.CredentialBundle
	if err := row.Scan(&c.TenantID, &c.Platform, &c.AccessToken, &c.APIBaseURL, &c.RotatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "credential", Key: credentialKey(tenantID, platform)}
		}
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) InvalidateCredential(ctx context.Context, tenantID string, platform models.Platform) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE tenant_id=$1 AND platform=$2`, tenantID, platform)
	return err
}

// ── Senders ──────────────────────────────────────────────────

func (s *PostgresStore) UpsertSender(ctx context.Context, sn *models.Sender) error {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `SELECT first_seen_at FROM senders WHERE tenant_id=$1 AND platform=$2 AND external_id=$3`, sn.TenantID, sn.Platform, sn.ExternalID)
	var firstSeen time.Time
	if err := row.Scan(&firstSeen); err == nil {
		sn.FirstSeenAt = firstSeen
	} else {
		sn.FirstSeenAt = now
	}
	sn.LastSeenAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO senders (tenant_id, platform, external_id, display_name, name, address, verified, first_seen_at, last_seen_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tenant_id, platform, external_id) DO UPDATE SET display_name=$4, name=$5, address=$6, verified=$7, last_seen_at=$9`,
		sn.TenantID, sn.Platform, sn.ExternalID, sn.DisplayName, sn.Name, sn.Address, sn.Verified, sn.FirstSeenAt, sn.LastSeenAt)
	return err
}

func (s *PostgresStore) GetSender(ctx context.Context, tenantID string, platform models.Platform, externalID string) (*models.Sender, error) {
	row := s.pool.QueryRow(ctx, `SELECT tenant_id, platform, external_id, display_name, name, address, verified, first_seen_at, last_seen_at FROM senders WHERE tenant_id=$1 AND platform=$2 AND external_id=$3`, tenantID, platform, externalID)
	var sn models.Sender
	if err := row.Scan(&sn.TenantID, &sn.Platform, &sn.ExternalID, &sn.DisplayName, &sn.Name, &sn.Address, &sn.Verified, &sn.FirstSeenAt, &sn.LastSeenAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "sender", Key: tenantID + ":" + string(platform) + ":" + externalID}
		}
		return nil, err
	}
	return &sn, nil
}

// ── OTP ──────────────────────────────────────────────────────

func (s *PostgresStore) CreateOTP(ctx context.Context, o *models.OTPRecord) error {
	o.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO otp_records (id, tenant_id, sender_key, purpose, subject, salt, hash, attempts, max_attempts, consumed, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		o.ID, o.TenantID, o.SenderKey, o.Purpose, o.Subject, o.Salt, o.Hash, o.Attempts, o.MaxAttempts, o.Consumed, o.ExpiresAt, o.CreatedAt)
	return err
}

func (s *PostgresStore) GetOTP(ctx context.Context, id string) (*models.OTPRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, tenant_id, sender_key, purpose, subject, salt, hash, attempts, max_attempts, consumed, expires_at, created_at FROM otp_records WHERE id=$1`, id)
	return scanOTP(row, id)
}

func scanOTP(row pgx.Row, id string) (*models.OTPRecord, error) {
	var o models.OTPRecord
	if err := row.Scan(&o.ID, &o.TenantID, &o.SenderKey, &o.Purpose, &o.Subject, &o.Salt, &o.Hash, &o.Attempts, &o.MaxAttempts, &o.Consumed, &o.ExpiresAt, &o.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "otp", Key: id}
		}
		return nil, err
	}
	return &o, nil
}

func (s *PostgresStore) IncrementAttempt(ctx context.Context, id string) (*models.OTPRecord, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE otp_records SET attempts = attempts + 1
		WHERE id=$1 AND consumed = FALSE AND expires_at > now()
		RETURNING id, tenant_id, sender_key, purpose, subject, salt, hash, attempts, max_attempts, consumed, expires_at, created_at`, id)
	o, err := scanOTP(row, id)
	if err != nil {
		if _, ok := err.(*ErrNotFound); ok {
			// Distinguish "doesn't exist" from "exists but already closed".
			if _, getErr := s.GetOTP(ctx, id); getErr == nil {
				return nil, &ErrConflict{Entity: "otp", Key: id}
			}
		}
		return nil, err
	}
	return o, nil
}

func (s *PostgresStore) ConsumeOTP(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE otp_records SET consumed = TRUE WHERE id=$1 AND consumed = FALSE`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetOTP(ctx, id); getErr != nil {
			return getErr
		}
		return &ErrConflict{Entity: "otp", Key: id}
	}
	return nil
}

// ── Conversation state ───────────────────────────────────────

func (s *PostgresStore) GetState(ctx context.Context, tenantID, senderKey string) (*models.ConversationState, error) {
	row := s.pool.QueryRow(ctx, `SELECT tenant_id, sender_key, step, payload, expires_at, updated_at FROM conversation_states WHERE tenant_id=$1 AND sender_key=$2 AND expires_at > now()`, tenantID, senderKey)
	var st models.ConversationState
	var payload []byte
	if err := row.Scan(&st.TenantID, &st.SenderKey, &st.Step, &payload, &st.ExpiresAt, &st.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "conversation_state", Key: convKey(tenantID, senderKey)}
		}
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &st.Payload); err != nil {
			return nil, err
		}
	}
	return &st, nil
}

func (s *PostgresStore) PutState(ctx context.Context, st *models.ConversationState, ttl time.Duration) error {
	st.UpdatedAt = time.Now().UTC()
	st.ExpiresAt = st.UpdatedAt.Add(ttl)
	payload, err := json.Marshal(st.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversation_states (tenant_id, sender_key, step, payload, expires_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant_id, sender_key) DO UPDATE SET step=$3, payload=$4, expires_at=$5, updated_at=$6`,
		st.TenantID, st.SenderKey, st.Step, payload, st.ExpiresAt, st.UpdatedAt)
	return err
}

func (s *PostgresStore) DeleteState(ctx context.Context, tenantID, senderKey string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM conversation_states WHERE tenant_id=$1 AND sender_key=$2`, tenantID, senderKey)
	return err
}

// ── Orders ───────────────────────────────────────────────────

func (s *PostgresStore) CreateOrder(ctx context.Context, o *models.Order) error {
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO orders (id, tenant_id, sender_key, amount_cents, currency, status, items, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		o.ID, o.TenantID, o.SenderKey, o.AmountCents, o.Currency, o.Status, items, o.CreatedAt, o.UpdatedAt)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, tenant_id, sender_key, amount_cents, currency, status, items, created_at, updated_at FROM orders WHERE id=$1`, id)
	var o models.Order
	var items []byte
	if err := row.Scan(&o.ID, &o.TenantID, &o.SenderKey, &o.AmountCents, &o.Currency, &o.Status, &items, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "order", Key: id}
		}
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, err
		}
	}
	return &o, nil
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *models.Order) error {
	o.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `UPDATE orders SET amount_cents=$2, currency=$3, status=$4, updated_at=$5 WHERE id=$1`,
		o.ID, o.AmountCents, o.Currency, o.Status, o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "order", Key: o.ID}
	}
	return nil
}

// ── Escalations ──────────────────────────────────────────────

func (s *PostgresStore) CreateEscalation(ctx context.Context, e *models.Escalation) error {
	e.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO escalations (id, tenant_id, sender_key, order_id, reason, status, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.TenantID, e.SenderKey, e.OrderID, e.Reason, e.Status, e.CreatedAt, e.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return &ErrConflict{Entity: "escalation", Key: e.OrderID}
		}
		return err
	}
	return nil
}

func (s *PostgresStore) GetEscalation(ctx context.Context, id string) (*models.Escalation, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, tenant_id, sender_key, order_id, reason, status, resolved_by, notes, created_at, expires_at, resolved_at FROM escalations WHERE id=$1`, id)
	return scanEscalation(row, id)
}

func scanEscalation(row pgx.Row, id string) (*models.Escalation, error) {
	var e models.Escalation
	if err := row.Scan(&e.ID, &e.TenantID, &e.SenderKey, &e.OrderID, &e.Reason, &e.Status, &e.ResolvedBy, &e.Notes, &e.CreatedAt, &e.ExpiresAt, &e.ResolvedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "escalation", Key: id}
		}
		return nil, err
	}
	return &e, nil
}

// ResolveEscalation is a single UPDATE ... WHERE status = 'pending'
// statement — the database itself enforces the compare-and-swap, so
// concurrent resolutions from two replicas can't both succeed.
func (s *PostgresStore) ResolveEscalation(ctx context.Context, id string, newStatus models.EscalationStatus, resolvedBy, notes string) (*models.Escalation, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE escalations SET status=$2, resolved_by=$3, notes=$4, resolved_at=$5
		WHERE id=$1 AND status=$6
		RETURNING id, tenant_id, sender_key, order_id, reason, status, resolved_by, notes, created_at, expires_at, resolved_at`,
		id, newStatus, resolvedBy, notes, now, models.EscalationPending)
	e, err := scanEscalation(row, id)
	if err != nil {
		if _, ok := err.(*ErrNotFound); ok {
			if _, getErr := s.GetEscalation(ctx, id); getErr == nil {
				return nil, &ErrConflict{Entity: "escalation", Key: id}
			}
		}
		return nil, err
	}
	return e, nil
}

func (s *PostgresStore) ListExpiring(ctx context.Context, asOf time.Time) ([]models.Escalation, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, tenant_id, sender_key, order_id, reason, status, resolved_by, notes, created_at, expires_at, resolved_at FROM escalations WHERE status=$1 AND expires_at <= $2`, models.EscalationPending, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Escalation
	for rows.Next() {
		var e models.Escalation
		if err := rows.Scan(&e.ID, &e.TenantID, &e.SenderKey, &e.OrderID, &e.Reason, &e.Status, &e.ResolvedBy, &e.Notes, &e.CreatedAt, &e.ExpiresAt, &e.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ExpireEscalation(ctx context.Context, id string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `UPDATE escalations SET status=$2, resolved_at=$3 WHERE id=$1 AND status=$4`,
		id, models.EscalationExpired, now, models.EscalationPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetEscalation(ctx, id); getErr != nil {
			return getErr
		}
		return &ErrConflict{Entity: "escalation", Key: id}
	}
	return nil
}

// ── Receipts ─────────────────────────────────────────────────

func (s *PostgresStore) CreateReceipt(ctx context.Context, r *models.ReceiptObject) error {
	r.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO receipt_objects (id, tenant_id, sender_key, order_id, sha256, object_key, size_bytes, content_type, ocr_status, ocr_text, ocr_confidence, vendor_flagged, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.TenantID, r.SenderKey, r.OrderID, r.SHA256, r.ObjectKey, r.SizeBytes, r.ContentType, r.OCRStatus, r.OCRText, r.OCRConfidence, r.VendorFlagged, r.CreatedAt)
	return err
}

const receiptSelectCols = `id, tenant_id, sender_key, order_id, sha256, object_key, size_bytes, content_type, ocr_status, ocr_text, ocr_confidence, vendor_flagged, created_at`

func scanReceipt(row pgx.Row, key string) (*models.ReceiptObject, error) {
	var r models.ReceiptObject
	if err := row.Scan(&r.ID, &r.TenantID, &r.SenderKey, &r.OrderID, &r.SHA256, &r.ObjectKey, &r.SizeBytes, &r.ContentType, &r.OCRStatus, &r.OCRText, &r.OCRConfidence, &r.VendorFlagged, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "receipt", Key: key}
		}
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) GetReceiptBySHA256(ctx context.Context, tenantID, sha256 string) (*models.ReceiptObject, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+receiptSelectCols+` FROM receipt_objects WHERE tenant_id=$1 AND sha256=$2`, tenantID, sha256)
	return scanReceipt(row, sha256)
}

func (s *PostgresStore) GetReceipt(ctx context.Context, id string) (*models.ReceiptObject, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+receiptSelectCols+` FROM receipt_objects WHERE id=$1`, id)
	return scanReceipt(row, id)
}

func (s *PostgresStore) UpdateOCRResult(ctx context.Context, id, status, text string, confidence float64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE receipt_objects SET ocr_status=$2, ocr_text=$3, ocr_confidence=$4 WHERE id=$1`, id, status, text, confidence)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "receipt", Key: id}
	}
	return nil
}

// ── Audit ────────────────────────────────────────────────────

func (s *PostgresStore) AppendAudit(ctx context.Context, a *models.AuditRecord) error {
	a.CreatedAt = time.Now().UTC()
	detail, err := json.Marshal(a.Detail)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO audit_records (id, tenant_id, sender_key, action, outcome, detail, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.TenantID, a.SenderKey, a.Action, a.Outcome, detail, a.CreatedAt)
	return err
}

func (s *PostgresStore) ListAudit(ctx context.Context, tenantID string, filter ListFilter) ([]models.AuditRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `SELECT id, tenant_id, sender_key, action, outcome, detail, created_at FROM audit_records WHERE tenant_id=$1 AND created_at >= $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		tenantID, filter.Since, limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AuditRecord
	for rows.Next() {
		var a models.AuditRecord
		var detail []byte
		if err := rows.Scan(&a.ID, &a.TenantID, &a.SenderKey, &a.Action, &a.Outcome, &detail, &a.CreatedAt); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &a.Detail); err != nil {
				return nil, err
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ── Idempotency ──────────────────────────────────────────────

// MarkProcessed relies on the primary key conflict to decide first-seen,
// so two replicas racing on the same webhook retry can't both proceed.
func (s *PostgresStore) MarkProcessed(ctx context.Context, tenantID, messageID string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_entries (tenant_id, message_id, expires_at) VALUES ($1,$2,$3)
		ON CONFLICT (tenant_id, message_id) DO NOTHING`,
		tenantID, messageID, time.Now().Add(ttl))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ── Lifecycle ────────────────────────────────────────────────

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
