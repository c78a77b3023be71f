package outbound_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/tandemhq/tandem/gateway-plane/internal/credential"
	"github.com/tandemhq/tandem/gateway-plane/internal/outbound"
	"github.com/tandemhq/tandem/gateway-plane/internal/store"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

func newEngine(t *testing.T, url string) (*outbound.Engine, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	if err := st.PutCredential(context.Background(), &models.CredentialBundle{
		TenantID:    "t_1",
		Platform:    models.PlatformWhatsApp,
		AccessToken: "tok",
		APIBaseURL:  url,
	}); err != nil {
		t.Fatalf("PutCredential() error = %v", err)
	}
	reg := credential.New(st, "")
	return outbound.New(reg, 4), st
}

func TestSendText_Delivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	eng, _ := newEngine(t, srv.URL)
	result, err := eng.SendText(context.Background(), "t_1", models.PlatformWhatsApp, "sender_1", "hello")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if result != outbound.Delivered {
		t.Errorf("SendText() result = %v, want Delivered", result)
	}
}

func TestSendText_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	eng, _ := newEngine(t, srv.URL)
	result, err := eng.SendText(context.Background(), "t_1", models.PlatformWhatsApp, "sender_1", "hello")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if result != outbound.Delivered {
		t.Errorf("SendText() result = %v, want Delivered", result)
	}
	if calls != 3 {
		t.Errorf("server received %d calls, want 3", calls)
	}
}

func TestSendText_PermanentOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	eng, _ := newEngine(t, srv.URL)
	result, err := eng.SendText(context.Background(), "t_1", models.PlatformWhatsApp, "sender_1", "hello")
	if err == nil {
		t.Fatal("SendText() error = nil, want non-nil")
	}
	if result != outbound.PermanentError {
		t.Errorf("SendText() result = %v, want PermanentError", result)
	}
	if calls != 1 {
		t.Errorf("server received %d calls, want 1 (no retry on 4xx)", calls)
	}
}

func TestSendText_RefreshesOnceOn401(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	eng, _ := newEngine(t, srv.URL)
	result, err := eng.SendText(context.Background(), "t_1", models.PlatformWhatsApp, "sender_1", "hello")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if result != outbound.Delivered {
		t.Errorf("SendText() result = %v, want Delivered", result)
	}
	if calls != 2 {
		t.Errorf("server received %d calls, want 2 (one retry after refresh)", calls)
	}
}
