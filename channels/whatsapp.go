package channels

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hazyhaar/msgrelay/bridge"
)

// WhatsAppFactory returns a ConnectorFactory bound to the process's single
// bridge session. The registry row carries no credentials: pairing state
// lives in the session store, and exactly one live session exists per
// process, so every whatsapp row shares the same manager.
func WhatsAppFactory(m *bridge.Manager) ConnectorFactory {
	return func(name string, config json.RawMessage) (Connector, error) {
		return &waConnector{name: name, manager: m}, nil
	}
}

// waConnector adapts the bridge manager to the dashboard Connector surface.
type waConnector struct {
	name    string
	manager *bridge.Manager
}

func (c *waConnector) Conversations(ctx context.Context) ([]Conversation, error) {
	chats, err := c.manager.ListChats(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(chats))
	for _, chat := range chats {
		out = append(out, Conversation{
			ID:       chat.ID,
			Title:    chat.Name,
			Platform: "whatsapp",
			Unread:   chat.Unread,
			LastAt:   chat.LastAt,
		})
	}
	return out, nil
}

func (c *waConnector) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	msgs, err := c.manager.GetMessages(ctx, conversationID, time.Time{}, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{
			ID:             m.ID,
			ConversationID: m.ChatID,
			From:           m.From,
			Body:           m.Body,
			FromMe:         m.FromMe,
			At:             m.At,
		})
	}
	return out, nil
}

func (c *waConnector) Send(ctx context.Context, conversationID, body string) error {
	return c.manager.SendMessage(ctx, conversationID, body)
}

func (c *waConnector) Status() Status {
	h := c.manager.Health()
	return Status{
		Connected: h.State == bridge.StateReady.String(),
		Platform:  "whatsapp",
		AuthState: h.State,
	}
}

// Close is a no-op: the bridge session outlives registry toggles. Tearing
// the session down is the owner's job at shutdown, not the Hub's.
func (c *waConnector) Close() error { return nil }
