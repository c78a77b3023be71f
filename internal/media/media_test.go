package media_test

import (
	"testing"

	"github.com/tandemhq/tandem/gateway-plane/internal/media"
)

func TestMaxReceiptBytes(t *testing.T) {
	if media.MaxReceiptBytes != 10*1024*1024 {
		t.Errorf("MaxReceiptBytes = %d, want 10MB", media.MaxReceiptBytes)
	}
}
