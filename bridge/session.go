package bridge

import (
	"context"
	"time"
)

// Session is one live connection to the external messaging service. The
// browser-backed implementation lives in the wadriver package; tests use
// scripted fakes.
//
// Start begins the connection handshake; lifecycle progress is reported on
// the Events channel, which the Manager consumes. All other methods require
// the handshake to have reached at least StateAuthenticated.
type Session interface {
	Start(ctx context.Context) error
	Events() <-chan Event

	// Ping is the liveness probe used by recovery validation. It returns a
	// short status string; an empty status counts as a failed probe.
	Ping(ctx context.Context) (string, error)

	SendText(ctx context.Context, to, body string) error
	SendMedia(ctx context.Context, to string, files []MediaFile, opts MediaOptions) error
	Chats(ctx context.Context) ([]Chat, error)
	Messages(ctx context.Context, chatID string, limit int) ([]ChatMessage, error)
	Contacts(ctx context.Context) ([]Contact, error)
	DownloadMedia(ctx context.Context, chatID string, count int) ([]MediaFile, error)
	GroupInviteLink(ctx context.Context, groupID string) (string, error)

	// ExportState serializes the authenticated session into an opaque blob
	// suitable for SessionStore persistence.
	ExportState(ctx context.Context) ([]byte, error)

	Close(ctx context.Context) error
}

// Factory builds a fresh Session. The recovery loop calls it after tearing
// down a broken handle; restore is attempted from whatever blob the store
// holds at that moment.
type Factory func(ctx context.Context) (Session, error)

// Chat is a conversation summary.
type Chat struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Unread int       `json:"unread"`
	LastAt time.Time `json:"last_at"`
}

// ChatMessage is a single message within a chat.
type ChatMessage struct {
	ID     string    `json:"id"`
	ChatID string    `json:"chat_id"`
	From   string    `json:"from"`
	Body   string    `json:"body"`
	FromMe bool      `json:"from_me"`
	At     time.Time `json:"at"`
}

// Contact is an address-book entry on the external service.
type Contact struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
}

// MediaFile is an attachment payload.
type MediaFile struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
	Data []byte `json:"-"`
}

// MediaOptions controls how attachments are sent.
type MediaOptions struct {
	Caption    string `json:"caption"`
	AsDocument bool   `json:"as_document"`
}
