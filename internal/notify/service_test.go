package notify_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tandemhq/tandem/gateway-plane/internal/notify"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

func TestNotify_SignsAndDelivers(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Gateway-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tenant := &models.Tenant{ID: "t_1", MerchantWebhookURL: srv.URL, MerchantSecret: "shh"}
	svc := notify.NewService()

	err := svc.Notify(context.Background(), tenant, notify.Event{
		Type:         notify.EventEscalationCreated,
		EscalationID: "esc_1",
	})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if gotSig == "" {
		t.Error("Notify() sent no X-Gateway-Signature despite a configured secret")
	}
}

func TestNotify_NoopWithoutWebhookURL(t *testing.T) {
	svc := notify.NewService()
	tenant := &models.Tenant{ID: "t_1"}
	if err := svc.Notify(context.Background(), tenant, notify.Event{Type: notify.EventEscalationExpired}); err != nil {
		t.Errorf("Notify() with no webhook URL error = %v, want nil", err)
	}
}
