// Package envelope normalizes the two platform-specific webhook
// payload schemas into models.CanonicalEvent, fanning out one event per
// inbound message and skipping anything that isn't well-formed.
package envelope

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

// waPayload is the subset of the WhatsApp-class webhook body this
// gateway consumes.
type waPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Messages []waMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"` // seconds, as a string
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image *struct {
		ID       string `json:"id"`
		MimeType string `json:"mime_type"`
	} `json:"image"`
	Document *struct {
		ID       string `json:"id"`
		MimeType string `json:"mime_type"`
	} `json:"document"`
}

// ParseWhatsApp fans a raw WA webhook body out into zero or more
// canonical events. A malformed or status-only body yields (nil, nil) —
// per §4.3, unrecognized structure is a SKIP, not an error.
func ParseWhatsApp(raw []byte) ([]models.CanonicalEvent, error) {
	var payload waPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, nil
	}

	var events []models.CanonicalEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			channelID := change.Value.Metadata.PhoneNumberID
			for _, msg := range change.Value.Messages {
				ev, ok := waCanonical(channelID, msg)
				if ok {
					events = append(events, ev)
				}
			}
		}
	}
	return events, nil
}

func waCanonical(channelID string, msg waMessage) (models.CanonicalEvent, bool) {
	secs, err := strconv.ParseInt(msg.Timestamp, 10, 64)
	if err != nil {
		return models.CanonicalEvent{}, false
	}

	ev := models.CanonicalEvent{
		Platform:  models.PlatformWhatsApp,
		ChannelID: channelID,
		SenderID:  msg.From,
		MessageID: msg.ID,
		Timestamp: time.Unix(secs, 0).UTC(),
	}

	switch msg.Type {
	case "text":
		if msg.Text == nil {
			return models.CanonicalEvent{}, false
		}
		ev.Text = msg.Text.Body
	case "image":
		if msg.Image == nil {
			return models.CanonicalEvent{}, false
		}
		ev.MediaID = msg.Image.ID
		ev.MediaType = msg.Image.MimeType
	case "document":
		if msg.Document == nil {
			return models.CanonicalEvent{}, false
		}
		ev.MediaID = msg.Document.ID
		ev.MediaType = msg.Document.MimeType
	default:
		return models.CanonicalEvent{}, false
	}

	return ev, true
}
