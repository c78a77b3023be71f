// Package audit is the append-only, PII-masked journal. Every state
// transition in the gateway funnels through Append so there is a
// single, consistent masking boundary between raw conversational data
// and anything durably recorded.
package audit

import (
	"context"
	"regexp"
	"strings"

	"github.com/tandemhq/tandem/gateway-plane/internal/store"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

// Outcome tags for AuditRecord.Outcome.
const (
	OutcomeOK     = "ok"
	OutcomeDenied = "denied"
	OutcomeError  = "error"
)

// Journal appends masked records to the durable audit store.
type Journal struct {
	store store.AuditStore
}

// New builds a Journal over the given store.
func New(st store.AuditStore) *Journal {
	return &Journal{store: st}
}

// Append records an audit entry. detail values are masked before
// storage; raw message bodies must never be passed in detail.
func (j *Journal) Append(ctx context.Context, tenantID, senderKey, action, outcome string, detail map[string]string) error {
	masked := make(map[string]string, len(detail))
	for k, v := range detail {
		masked[k] = Mask(v)
	}
	return j.store.AppendAudit(ctx, &models.AuditRecord{
		TenantID:  tenantID,
		SenderKey: Mask(senderKey),
		Action:    action,
		Outcome:   outcome,
		Detail:    masked,
	})
}

// List returns recent audit records for a tenant.
func (j *Journal) List(ctx context.Context, tenantID string, filter store.ListFilter) ([]models.AuditRecord, error) {
	return j.store.ListAudit(ctx, tenantID, filter)
}

var (
	phoneRe = regexp.MustCompile(`^\+?(\d{1,3})\d*(\d{4})$`)
	emailRe = regexp.MustCompile(`^([^@]).*@(.+)$`)
)

// Mask redacts phone numbers to "+CC***DDDD" and emails to "a***@domain".
// Values that don't look like either are returned unchanged — this is a
// best-effort filter for structured identifiers, not a general PII
// scrubber; callers must never pass raw message bodies through it.
func Mask(v string) string {
	if v == "" {
		return v
	}
	if strings.Contains(v, "@") {
		if m := emailRe.FindStringSubmatch(v); m != nil {
			return m[1] + "***@" + m[2]
		}
	}
	if phoneRe.MatchString(v) {
		// Country code length by ITU prefix: 1 for NANP/Russia, 2 for the
		// listed two-digit codes, otherwise 3.
		const twoDigitCC = " 20 27 30 31 32 33 34 36 39 40 41 43 44 45 46 47 48 49 51 52 53 54 55 56 57 58 60 61 62 63 64 65 66 81 82 84 86 90 91 92 93 94 95 98 "
		digits := strings.TrimPrefix(v, "+")
		ccLen := 3
		if digits[0] == '1' || digits[0] == '7' {
			ccLen = 1
		} else if strings.Contains(twoDigitCC, " "+digits[:2]+" ") {
			ccLen = 2
		}
		if ccLen > len(digits)-4 {
			ccLen = len(digits) - 4
		}
		return "+" + digits[:ccLen] + "***" + digits[len(digits)-4:]
	}
	return v
}
