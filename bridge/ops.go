package bridge

import (
	"context"
	"strings"
	"time"
)

// searchFetchLimit caps how many messages per chat a search scans.
const searchFetchLimit = 100

// ready returns the current handle if the lifecycle permits operations.
// Connecting and Authenticated are allowed so queued operations can replay
// against a recovered handle before the Ready event lands.
func (m *Manager) ready() (Session, error) {
	sess, st := m.currentSession()
	switch st {
	case StateConnecting, StateAuthenticated, StateReady:
		if sess != nil {
			return sess, nil
		}
	case StateAwaitingScan:
		return nil, ErrSessionExpired
	}
	return nil, ErrClientNotReady
}

func (m *Manager) doOp(name string, fn func(sess Session) error) error {
	_, err := m.gate.Do(name, func() (any, error) {
		sess, err := m.ready()
		if err != nil {
			return nil, err
		}
		return nil, fn(sess)
	})
	return err
}

func getOp[T any](m *Manager, name string, fn func(sess Session) (T, error)) (T, error) {
	return Call(m.gate, name, func() (T, error) {
		sess, err := m.ready()
		if err != nil {
			var zero T
			return zero, err
		}
		return fn(sess)
	})
}

// SendMessage sends a text message to a canonical address.
func (m *Manager) SendMessage(ctx context.Context, to, body string) error {
	return m.doOp("send_message", func(sess Session) error {
		return sess.SendText(ctx, to, body)
	})
}

// SendMedia sends one or more attachments to a canonical address.
func (m *Manager) SendMedia(ctx context.Context, to string, files []MediaFile, opts MediaOptions) error {
	return m.doOp("send_media", func(sess Session) error {
		return sess.SendMedia(ctx, to, files, opts)
	})
}

// ListChats fetches all conversation summaries.
func (m *Manager) ListChats(ctx context.Context) ([]Chat, error) {
	return getOp(m, "list_chats", func(sess Session) ([]Chat, error) {
		return sess.Chats(ctx)
	})
}

// GetUnread lists chats with unread messages, optionally narrowed to one
// contact by address or display name.
func (m *Manager) GetUnread(ctx context.Context, contact string) ([]Chat, error) {
	return getOp(m, "get_unread", func(sess Session) ([]Chat, error) {
		chats, err := sess.Chats(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]Chat, 0, len(chats))
		for _, c := range chats {
			if c.Unread == 0 {
				continue
			}
			if contact != "" && !chatMatches(c, contact) {
				continue
			}
			out = append(out, c)
		}
		return out, nil
	})
}

// GetMessages returns up to limit messages from a chat, optionally only
// those after a cutoff.
func (m *Manager) GetMessages(ctx context.Context, chatID string, after time.Time, limit int) ([]ChatMessage, error) {
	return getOp(m, "get_messages", func(sess Session) ([]ChatMessage, error) {
		msgs, err := sess.Messages(ctx, chatID, limit)
		if err != nil {
			return nil, err
		}
		if after.IsZero() {
			return msgs, nil
		}
		out := msgs[:0]
		for _, msg := range msgs {
			if msg.At.After(after) {
				out = append(out, msg)
			}
		}
		return out, nil
	})
}

// SearchMessages scans recent messages for a case-insensitive substring,
// within one chat or across all chats when chatID is empty.
func (m *Manager) SearchMessages(ctx context.Context, query, chatID string) ([]ChatMessage, error) {
	return getOp(m, "search_messages", func(sess Session) ([]ChatMessage, error) {
		needle := strings.ToLower(query)

		ids := []string{chatID}
		if chatID == "" {
			chats, err := sess.Chats(ctx)
			if err != nil {
				return nil, err
			}
			ids = ids[:0]
			for _, c := range chats {
				ids = append(ids, c.ID)
			}
		}

		var hits []ChatMessage
		for _, id := range ids {
			msgs, err := sess.Messages(ctx, id, searchFetchLimit)
			if err != nil {
				return nil, err
			}
			for _, msg := range msgs {
				if strings.Contains(strings.ToLower(msg.Body), needle) {
					hits = append(hits, msg)
				}
			}
		}
		return hits, nil
	})
}

// DownloadMedia fetches up to count recent attachments from a chat.
func (m *Manager) DownloadMedia(ctx context.Context, chatID string, count int) ([]MediaFile, error) {
	return getOp(m, "download_media", func(sess Session) ([]MediaFile, error) {
		return sess.DownloadMedia(ctx, chatID, count)
	})
}

// ListContacts fetches the full address book from the external service.
func (m *Manager) ListContacts(ctx context.Context) ([]Contact, error) {
	return getOp(m, "list_contacts", func(sess Session) ([]Contact, error) {
		return sess.Contacts(ctx)
	})
}

// GroupInviteLink resolves the invite link for a group chat.
func (m *Manager) GroupInviteLink(ctx context.Context, groupID string) (string, error) {
	return getOp(m, "group_invite_link", func(sess Session) (string, error) {
		return sess.GroupInviteLink(ctx, groupID)
	})
}

func chatMatches(c Chat, contact string) bool {
	return strings.EqualFold(c.ID, contact) || strings.EqualFold(c.Name, contact)
}
