package switches

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/kvstore"
)

// deliver appends the switch payload to recipient's inbox. The append is
// keyed by switch id, so a recipient listed twice or a repeated delivery
// leaves a single entry. It reports whether a new entry was written.
func (service *Service) deliver(ctx context.Context, sw Switch, recipient string) (bool, error) {
	deliveredAt := sw.UpdatedAt
	if sw.TriggeredAt != nil {
		deliveredAt = *sw.TriggeredAt
	}
	message := InboxEntry{
		From:        sw.Owner,
		SwitchID:    sw.ID,
		Label:       sw.Label,
		Payload:     sw.Payload,
		DeliveredAt: deliveredAt,
	}

	appended := false
	merge := kvstore.Merge{
		Key: inboxKey(recipient),
		Fn: func(current string, exists bool) (string, error) {
			appended = false
			messages := []InboxEntry{}
			if exists && current != "" {
				decoded, err := decodeInbox(current)
				if err != nil {
					return "", err
				}
				messages = decoded
			}
			for _, existing := range messages {
				if existing.SwitchID == message.SwitchID {
					return current, nil
				}
			}
			messages = append(messages, message)
			raw, err := json.Marshal(messages)
			if err != nil {
				return "", err
			}
			appended = true
			return string(raw), nil
		},
	}
	if err := service.store.Apply(ctx, kvstore.Batch{Merges: []kvstore.Merge{merge}}); err != nil {
		return false, err
	}
	return appended, nil
}

func decodeInbox(raw string) ([]InboxEntry, error) {
	messages := []InboxEntry{}
	if raw == "" {
		return messages, nil
	}
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return nil, fmt.Errorf("decode inbox: %w", err)
	}
	return messages, nil
}
