package signature_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/tandemhq/tandem/gateway-plane/internal/signature"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerify_Valid(t *testing.T) {
	body := []byte(`{"entry":[]}`)
	header := sign("top-secret", body)
	if err := signature.Verify("top-secret", body, header); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	body := []byte(`{"entry":[]}`)
	header := sign("top-secret", body)
	if err := signature.Verify("wrong-secret", body, header); err != signature.ErrMismatch {
		t.Errorf("Verify() error = %v, want ErrMismatch", err)
	}
}

func TestVerify_TamperedBody(t *testing.T) {
	header := sign("top-secret", []byte(`{"entry":[]}`))
	if err := signature.Verify("top-secret", []byte(`{"entry":["x"]}`), header); err != signature.ErrMismatch {
		t.Errorf("Verify() error = %v, want ErrMismatch", err)
	}
}

func TestVerify_MissingHeader(t *testing.T) {
	if err := signature.Verify("top-secret", []byte("{}"), ""); err != signature.ErrMissingHeader {
		t.Errorf("Verify() error = %v, want ErrMissingHeader", err)
	}
}
