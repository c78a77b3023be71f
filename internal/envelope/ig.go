package envelope

import (
	"encoding/json"
	"time"

	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

// igPayload is the subset of the Instagram-class webhook body this
// gateway consumes.
type igPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string `json:"id"` // page id
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Timestamp int64 `json:"timestamp"` // milliseconds
			Message   *struct {
				MID         string  `json:"mid"`
				Text        *string `json:"text"`
				Attachments []struct {
					Type    string `json:"type"`
					Payload struct {
						URL string `json:"url"`
					} `json:"payload"`
				} `json:"attachments"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

// ParseInstagram fans a raw IG webhook body out into zero or more
// canonical events.
func ParseInstagram(raw []byte) ([]models.CanonicalEvent, error) {
	var payload igPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, nil
	}

	var events []models.CanonicalEvent
	for _, entry := range payload.Entry {
		for _, item := range entry.Messaging {
			if item.Message == nil {
				continue // delivery/read receipt, no message content
			}
			ev := models.CanonicalEvent{
				Platform:  models.PlatformInstagram,
				ChannelID: entry.ID,
				SenderID:  item.Sender.ID,
				MessageID: item.Message.MID,
				Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			}
			if item.Message.Text != nil {
				ev.Text = *item.Message.Text
			}
			if len(item.Message.Attachments) > 0 {
				att := item.Message.Attachments[0]
				ev.MediaURL = att.Payload.URL
				ev.MediaType = att.Type
			}
			if ev.Text == "" && ev.MediaURL == "" {
				continue
			}
			events = append(events, ev)
		}
	}
	return events, nil
}
