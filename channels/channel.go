// Package channels aggregates messaging platforms behind one dashboard
// surface. A SQLite registry decides which connectors are active; the Hub
// watches it and reconciles the running set at runtime.
//
// The WhatsApp connector is real and rides the bridge session. The other
// platforms are self-contained mocks that serve canned conversations, so the
// dashboard renders a full multi-platform view without extra credentials.
package channels

import (
	"context"
	"encoding/json"
	"time"
)

// Conversation is a platform-normalized chat summary shown on the dashboard.
type Conversation struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Platform string    `json:"platform"`
	Unread   int       `json:"unread"`
	LastAt   time.Time `json:"last_at"`
}

// Message is a platform-normalized message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	From           string    `json:"from"`
	Body           string    `json:"body"`
	FromMe         bool      `json:"from_me"`
	At             time.Time `json:"at"`
}

// Status describes a connector's current condition.
type Status struct {
	Connected bool   `json:"connected"`
	Platform  string `json:"platform"`
	AuthState string `json:"auth_state"`
	Error     string `json:"error,omitempty"`
}

// Connector is one platform attached to the dashboard.
type Connector interface {
	Conversations(ctx context.Context) ([]Conversation, error)
	Messages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	Send(ctx context.Context, conversationID, body string) error
	Status() Status

	// Close releases the connector's resources. The Hub calls it when the
	// registry disables or reconfigures the channel.
	Close() error
}

// ConnectorFactory builds a Connector from its registry name and the
// per-channel JSON config column.
type ConnectorFactory func(name string, config json.RawMessage) (Connector, error)
