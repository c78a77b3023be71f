package envelope_test

import (
	"testing"
	"time"

	"github.com/tandemhq/tandem/gateway-plane/internal/envelope"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

func TestParseWhatsApp_TextMessage(t *testing.T) {
	raw := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"value": {
			"metadata": {"phone_number_id": "1234567890"},
			"messages": [{"id": "wamid.1", "from": "15551234567", "timestamp": "1700000000", "type": "text", "text": {"body": "hello"}}]
		}}]}]
	}`)

	events, err := envelope.ParseWhatsApp(raw)
	if err != nil {
		t.Fatalf("ParseWhatsApp() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("ParseWhatsApp() returned %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Platform != models.PlatformWhatsApp || ev.ChannelID != "1234567890" || ev.SenderID != "15551234567" || ev.Text != "hello" {
		t.Errorf("ParseWhatsApp() event = %+v, unexpected fields", ev)
	}
}

func TestParseWhatsApp_StatusOnlyPayloadSkips(t *testing.T) {
	raw := []byte(`{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"metadata":{"phone_number_id":"1"},"statuses":[{}]}}]}]}`)
	events, err := envelope.ParseWhatsApp(raw)
	if err != nil {
		t.Fatalf("ParseWhatsApp() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("ParseWhatsApp() on status-only payload returned %d events, want 0", len(events))
	}
}

func TestParseWhatsApp_MalformedJSONSkips(t *testing.T) {
	events, err := envelope.ParseWhatsApp([]byte(`not json`))
	if err != nil {
		t.Fatalf("ParseWhatsApp() error = %v, want nil (SKIP)", err)
	}
	if events != nil {
		t.Errorf("ParseWhatsApp() on malformed body = %v, want nil", events)
	}
}

func TestParseWhatsApp_ImageMessage(t *testing.T) {
	raw := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"value": {
			"metadata": {"phone_number_id": "1"},
			"messages": [{"id": "wamid.2", "from": "2", "timestamp": "1700000000", "type": "image", "image": {"id": "media_1", "mime_type": "image/jpeg"}}]
		}}]}]
	}`)
	events, err := envelope.ParseWhatsApp(raw)
	if err != nil {
		t.Fatalf("ParseWhatsApp() error = %v", err)
	}
	if len(events) != 1 || events[0].MediaID != "media_1" || events[0].MediaType != "image/jpeg" {
		t.Fatalf("ParseWhatsApp() image event = %+v", events)
	}
}

func TestParseInstagram_TextMessage(t *testing.T) {
	raw := []byte(`{
		"object": "instagram",
		"entry": [{"id": "page_1", "messaging": [{"sender": {"id": "psid_1"}, "timestamp": 1700000000000, "message": {"mid": "m1", "text": "hi there"}}]}]
	}`)
	events, err := envelope.ParseInstagram(raw)
	if err != nil {
		t.Fatalf("ParseInstagram() error = %v", err)
	}
	if len(events) != 1 || events[0].SenderID != "psid_1" || events[0].Text != "hi there" {
		t.Fatalf("ParseInstagram() = %+v", events)
	}
}

func TestParseInstagram_DeliveryReceiptSkips(t *testing.T) {
	raw := []byte(`{"object":"instagram","entry":[{"id":"page_1","messaging":[{"sender":{"id":"psid_1"},"timestamp":1,"delivery":{}}]}]}`)
	events, err := envelope.ParseInstagram(raw)
	if err != nil {
		t.Fatalf("ParseInstagram() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("ParseInstagram() on delivery receipt returned %d events, want 0", len(events))
	}
}

func TestIsStale(t *testing.T) {
	if envelope.IsStale(time.Now()) {
		t.Error("IsStale(now) = true, want false")
	}
	if !envelope.IsStale(time.Now().Add(10 * time.Minute)) {
		t.Error("IsStale(now+10m) = false, want true")
	}
	if !envelope.IsStale(time.Now().Add(-8 * 24 * time.Hour)) {
		t.Error("IsStale(now-8d) = false, want true")
	}
}
