package matrix

import (
	"context"
	"net/http"

	"maunium.net/go/mautrix/event"
)

func (c *Client) SetAccountData(ctx context.Context, eventType string, content map[string]any) error {
	return c.do(ctx, http.MethodPut, c.endpoint("user", string(c.userID), "account_data", eventType), content, nil)
}

// GetAccountData returns nil content when the type has never been set.
func (c *Client) GetAccountData(ctx context.Context, eventType string) (map[string]any, error) {
	var content map[string]any
	err := c.do(ctx, http.MethodGet, c.endpoint("user", string(c.userID), "account_data", eventType), nil, &content)
	if IsMatrixError(err, "M_NOT_FOUND") {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return content, nil
}

// AccountDataSnapshot fetches eventTypes as account data events, skipping
// the ones the server doesn't have.
func (c *Client) AccountDataSnapshot(ctx context.Context, eventTypes ...string) (map[string]*event.Event, error) {
	snapshot := make(map[string]*event.Event, len(eventTypes))
	for _, eventType := range eventTypes {
		content, err := c.GetAccountData(ctx, eventType)
		if err != nil {
			return nil, err
		}
		if content == nil {
			continue
		}
		snapshot[eventType] = &event.Event{
			Type:    event.Type{Type: eventType, Class: event.AccountDataEventType},
			Content: event.Content{Raw: content},
		}
	}
	return snapshot, nil
}
