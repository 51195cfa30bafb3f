package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/msgrelay/idgen"
)

// MockConfig seeds a mocked platform from the registry config column:
//
//	{"conversations": [{"id": "t1", "title": "Team", "unread": 2,
//	  "messages": [{"from": "dana", "body": "standup?"}]}]}
//
// With no config the connector serves a small built-in fixture.
type MockConfig struct {
	Conversations []MockConversation `json:"conversations"`
}

// MockConversation is one seeded conversation.
type MockConversation struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Unread   int           `json:"unread"`
	Messages []MockMessage `json:"messages"`
}

// MockMessage is one seeded message.
type MockMessage struct {
	From string `json:"from"`
	Body string `json:"body"`
}

// TelegramFactory returns the mocked Telegram integration.
func TelegramFactory() ConnectorFactory { return mockFactory("telegram") }

// DiscordFactory returns the mocked Discord integration.
func DiscordFactory() ConnectorFactory { return mockFactory("discord") }

func mockFactory(platform string) ConnectorFactory {
	return func(name string, config json.RawMessage) (Connector, error) {
		var cfg MockConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("%s: parse config: %w", platform, err)
			}
		}
		if len(cfg.Conversations) == 0 {
			cfg.Conversations = defaultFixture(platform)
		}
		return newMockConnector(platform, cfg), nil
	}
}

func defaultFixture(platform string) []MockConversation {
	return []MockConversation{
		{
			ID: platform + "-general", Title: "general", Unread: 1,
			Messages: []MockMessage{{From: "dana", Body: "welcome to " + platform}},
		},
		{
			ID: platform + "-random", Title: "random",
			Messages: []MockMessage{{From: "lee", Body: "lunch?"}},
		},
	}
}

// mockConnector serves seeded conversations in memory. Sends are recorded
// into the conversation so the dashboard round-trips convincingly.
type mockConnector struct {
	platform string

	mu       sync.Mutex
	convs    []Conversation
	messages map[string][]Message
	gen      idgen.Generator
}

func newMockConnector(platform string, cfg MockConfig) *mockConnector {
	c := &mockConnector{
		platform: platform,
		messages: make(map[string][]Message),
		gen:      idgen.NanoID(8),
	}
	now := time.Now()
	for i, seed := range cfg.Conversations {
		at := now.Add(-time.Duration(i) * time.Hour)
		c.convs = append(c.convs, Conversation{
			ID:       seed.ID,
			Title:    seed.Title,
			Platform: platform,
			Unread:   seed.Unread,
			LastAt:   at,
		})
		for j, m := range seed.Messages {
			c.messages[seed.ID] = append(c.messages[seed.ID], Message{
				ID:             c.gen(),
				ConversationID: seed.ID,
				From:           m.From,
				Body:           m.Body,
				At:             at.Add(time.Duration(j) * time.Minute),
			})
		}
	}
	return c
}

func (c *mockConnector) Conversations(ctx context.Context) ([]Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Conversation(nil), c.convs...), nil
}

func (c *mockConnector) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs, ok := c.messages[conversationID]
	if !ok {
		return nil, &ErrChannelNotFound{Channel: conversationID}
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message(nil), msgs...), nil
}

func (c *mockConnector) Send(ctx context.Context, conversationID, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.messages[conversationID]; !ok {
		return &ErrChannelNotFound{Channel: conversationID}
	}
	c.messages[conversationID] = append(c.messages[conversationID], Message{
		ID:             c.gen(),
		ConversationID: conversationID,
		Body:           body,
		FromMe:         true,
		At:             time.Now(),
	})
	for i := range c.convs {
		if c.convs[i].ID == conversationID {
			c.convs[i].LastAt = time.Now()
		}
	}
	return nil
}

func (c *mockConnector) Status() Status {
	return Status{Connected: true, Platform: c.platform, AuthState: "token_valid"}
}

func (c *mockConnector) Close() error { return nil }
