package audit_test

import (
	"context"
	"testing"

	"github.com/tandemhq/tandem/gateway-plane/internal/audit"
	"github.com/tandemhq/tandem/gateway-plane/internal/store"
)

func TestMask(t *testing.T) {
	cases := map[string]string{
		"+15551234567":      "+1***4567",
		"jdoe@example.com":  "j***@example.com",
		"":                  "",
		"not-an-identifier": "not-an-identifier",
	}
	for in, want := range cases {
		if got := audit.Mask(in); got != want {
			t.Errorf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJournal_AppendMasksDetail(t *testing.T) {
	st := store.NewMemoryStore()
	j := audit.New(st)
	ctx := context.Background()

	err := j.Append(ctx, "tenant-1", "+15551234567", "otp_verify", audit.OutcomeOK, map[string]string{
		"phone": "+15557654321",
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	records, err := j.List(ctx, "tenant-1", store.ListFilter{Limit: 10})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("List() returned %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.SenderKey != "+1***4567" {
		t.Errorf("SenderKey = %q, want masked", rec.SenderKey)
	}
	if rec.Detail["phone"] != "+1***4321" {
		t.Errorf("Detail[phone] = %q, want masked", rec.Detail["phone"])
	}
	if rec.Action != "otp_verify" || rec.Outcome != audit.OutcomeOK {
		t.Errorf("record = %+v, unexpected action/outcome", rec)
	}
}
