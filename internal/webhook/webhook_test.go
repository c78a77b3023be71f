package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tandemhq/tandem/gateway-plane/internal/audit"
	"github.com/tandemhq/tandem/gateway-plane/internal/conversation"
	"github.com/tandemhq/tandem/gateway-plane/internal/credential"
	"github.com/tandemhq/tandem/gateway-plane/internal/dispatcher"
	"github.com/tandemhq/tandem/gateway-plane/internal/escalation"
	"github.com/tandemhq/tandem/gateway-plane/internal/idempotency"
	"github.com/tandemhq/tandem/gateway-plane/internal/keylock"
	"github.com/tandemhq/tandem/gateway-plane/internal/notify"
	"github.com/tandemhq/tandem/gateway-plane/internal/otp"
	"github.com/tandemhq/tandem/gateway-plane/internal/outbound"
	"github.com/tandemhq/tandem/gateway-plane/internal/ratelimit"
	"github.com/tandemhq/tandem/gateway-plane/internal/store"
	"github.com/tandemhq/tandem/gateway-plane/internal/webhook"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

const appSecret = "shh-its-a-secret"

type fakeMedia struct{}

func (fakeMedia) Ingest(_ context.Context, tenantID, senderKey, orderID, _, _, _ string) (*models.ReceiptObject, error) {
	return &models.ReceiptObject{ID: "rcpt_1", TenantID: tenantID, SenderKey: senderKey, OrderID: orderID}, nil
}

func newHandlers(t *testing.T) (*webhook.Handlers, store.Store) {
	t.Helper()
	outboundSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(outboundSrv.Close)

	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if err := st.CreateTenant(ctx, &models.Tenant{ID: "t_1", Name: "Acme", Status: "active"}); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	if err := st.CreateChannelBinding(ctx, &models.ChannelBinding{
		Platform: models.PlatformWhatsApp, ChannelID: "1234567890", TenantID: "t_1", AppSecret: appSecret,
	}); err != nil {
		t.Fatalf("CreateChannelBinding() error = %v", err)
	}
	if err := st.PutCredential(ctx, &models.CredentialBundle{
		TenantID: "t_1", Platform: models.PlatformWhatsApp, AccessToken: "tok", APIBaseURL: outboundSrv.URL,
	}); err != nil {
		t.Fatalf("PutCredential() error = %v", err)
	}

	limiter := ratelimit.NewInProcess()
	otpSvc := otp.NewService(st, limiter, 5*time.Minute)
	conv := conversation.NewManager(st, 30*time.Minute)
	creds := credential.New(st, "")
	outEngine := outbound.New(creds, 4)
	notifier := notify.NewService()
	journal := audit.New(st)
	esc := escalation.New(st, otpSvc, notifier, journal)
	disp := dispatcher.New(conv, otpSvc, esc, fakeMedia{}, outEngine, notifier, journal, creds, st)

	h := webhook.New(st, creds, idempotency.New(st), keylock.New(), disp, journal, "verify-me", appSecret, "")
	return h, st
}

func signedRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write([]byte(body))
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sig)
	return req
}

func waBody(messageID, text string) string {
	return fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"value": {
			"metadata": {"phone_number_id": "1234567890"},
			"messages": [{"id": %q, "from": "15551234567", "timestamp": "%d", "type": "text", "text": {"body": %q}}]
		}}]}]
	}`, messageID, time.Now().Unix(), text)
}

func TestVerify_EchoesChallenge(t *testing.T) {
	h, _ := newHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=xyz123", nil)
	w := httptest.NewRecorder()
	h.Verify(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Verify() status = %d, want 200", w.Code)
	}
	if w.Body.String() != "xyz123" {
		t.Errorf("Verify() body = %q, want echoed challenge", w.Body.String())
	}
}

func TestVerify_WrongTokenForbidden(t *testing.T) {
	h, _ := newHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=xyz123", nil)
	w := httptest.NewRecorder()
	h.Verify(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("Verify() status = %d, want 403", w.Code)
	}
}

func TestHandleWhatsApp_ValidSignatureDispatches(t *testing.T) {
	h, st := newHandlers(t)
	req := signedRequest(t, waBody("wamid.1", "register"))
	w := httptest.NewRecorder()
	h.HandleWhatsApp(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleWhatsApp() status = %d, want 200", w.Code)
	}

	senderKey := models.Sender{TenantID: "t_1", Platform: models.PlatformWhatsApp, ExternalID: "15551234567"}.Key()
	state, err := st.GetState(context.Background(), "t_1", senderKey)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Step != models.StepAwaitName {
		t.Errorf("state.Step = %v, want AwaitName", state.Step)
	}
}

func TestHandleWhatsApp_InvalidSignatureRejected(t *testing.T) {
	h, st := newHandlers(t)
	body := waBody("wamid.2", "hello")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256="+strings.Repeat("0", 64))
	w := httptest.NewRecorder()
	h.HandleWhatsApp(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("HandleWhatsApp() status = %d, want 403", w.Code)
	}

	records, err := st.ListAudit(context.Background(), "t_1", store.ListFilter{})
	if err != nil {
		t.Fatalf("ListAudit() error = %v", err)
	}
	var found *models.AuditRecord
	for i := range records {
		if records[i].Action == "AUTH_SIGNATURE_FAIL" {
			found = &records[i]
		}
	}
	if found == nil {
		t.Fatal("ListAudit() missing AUTH_SIGNATURE_FAIL entry")
	}
	if found.Detail["digest_prefix"] == "" {
		t.Error("AUTH_SIGNATURE_FAIL audit entry has no digest_prefix detail")
	}
	if len(found.Detail["digest_prefix"]) != 16 {
		t.Errorf("digest_prefix = %q, want 16 hex chars (8 bytes)", found.Detail["digest_prefix"])
	}
}

func TestHandleWhatsApp_DuplicateMessageSkipsDispatch(t *testing.T) {
	h, st := newHandlers(t)
	body := waBody("wamid.3", "register")

	w1 := httptest.NewRecorder()
	h.HandleWhatsApp(w1, signedRequest(t, body))
	if w1.Code != http.StatusOK {
		t.Fatalf("first HandleWhatsApp() status = %d, want 200", w1.Code)
	}

	w2 := httptest.NewRecorder()
	h.HandleWhatsApp(w2, signedRequest(t, body))
	if w2.Code != http.StatusOK {
		t.Fatalf("duplicate HandleWhatsApp() status = %d, want 200", w2.Code)
	}

	senderKey := models.Sender{TenantID: "t_1", Platform: models.PlatformWhatsApp, ExternalID: "15551234567"}.Key()
	state, err := st.GetState(context.Background(), "t_1", senderKey)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Step != models.StepAwaitName {
		t.Errorf("state.Step = %v, want AwaitName unchanged by duplicate replay", state.Step)
	}
}

func TestHandleWhatsApp_MalformedBodySkips(t *testing.T) {
	h, _ := newHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	h.HandleWhatsApp(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleWhatsApp(malformed) status = %d, want 200 (ParseSkip)", w.Code)
	}
}

func TestHandleWhatsApp_UnboundChannelResolvesNoTenant(t *testing.T) {
	h, _ := newHandlers(t)
	body := fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"value": {
			"metadata": {"phone_number_id": "unbound_channel"},
			"messages": [{"id": "wamid.4", "from": "1", "timestamp": "%d", "type": "text", "text": {"body": "hi"}}]
		}}]}]
	}`, time.Now().Unix())
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write([]byte(body))
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sig)
	w := httptest.NewRecorder()
	h.HandleWhatsApp(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleWhatsApp(unbound channel) status = %d, want 200", w.Code)
	}
}
