package wadriver

import (
	"testing"
	"time"
)

const chatPaneFixture = `<html><body>
<div id="pane-side">
  <div role="listitem" data-id="12345@c.us">
    <span title="Dana"></span>
    <span aria-label="3 unread messages">3</span>
  </div>
  <div role="listitem">
    <span title="Family Group"></span>
  </div>
  <div role="listitem" data-id="999@c.us">
    <span title="Lee"></span>
    <span aria-label="unread messages"></span>
  </div>
  <div role="listitem"><img src="x.png"></div>
</div>
<div role="listitem"><span title="Outside Pane"></span></div>
</body></html>`

func TestParseChatList(t *testing.T) {
	chats, err := ParseChatList(chatPaneFixture)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 3 {
		t.Fatalf("chats: got %d, want 3: %+v", len(chats), chats)
	}

	if chats[0].ID != "12345@c.us" || chats[0].Name != "Dana" || chats[0].Unread != 3 {
		t.Errorf("first chat: %+v", chats[0])
	}
	// no data-id falls back to the title
	if chats[1].ID != "Family Group" || chats[1].Unread != 0 {
		t.Errorf("second chat: %+v", chats[1])
	}
	// badge without a count still marks the chat unread
	if chats[2].Unread != 1 {
		t.Errorf("third chat unread: %d", chats[2].Unread)
	}
}

func TestParseChatList_NoPane(t *testing.T) {
	chats, err := ParseChatList(`<html><body><p>loading</p></body></html>`)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 0 {
		t.Fatalf("expected no chats, got %+v", chats)
	}
}

const messagesFixture = `<html><body>
<div class="message-in focusable-list-item" data-id="false_12345@c.us_AAA">
  <div class="copyable-text" data-pre-plain-text="[14:05, 2/1/2026] Dana: ">
    <span class="selectable-text">hello <strong>there</strong></span>
  </div>
</div>
<div class="message-out" data-id="true_12345@c.us_BBB">
  <div class="copyable-text" data-pre-plain-text="[14:06, 2/1/2026] Me: ">
    <span class="selectable-text">hi!</span>
  </div>
</div>
<div class="message-in" data-id="false_12345@c.us_CCC"></div>
</body></html>`

func TestParseMessages(t *testing.T) {
	msgs, err := ParseMessages(messagesFixture, "12345@c.us")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages: got %d, want 3: %+v", len(msgs), msgs)
	}

	first := msgs[0]
	if first.ID != "false_12345@c.us_AAA" || first.ChatID != "12345@c.us" {
		t.Errorf("first ids: %+v", first)
	}
	if first.From != "Dana" || first.FromMe {
		t.Errorf("first author: %+v", first)
	}
	if first.Body != "hello **there**" {
		t.Errorf("rich body not converted: %q", first.Body)
	}
	want := time.Date(2026, 1, 2, 14, 5, 0, 0, time.UTC)
	if !first.At.Equal(want) {
		t.Errorf("first timestamp: got %v, want %v", first.At, want)
	}

	if !msgs[1].FromMe || msgs[1].Body != "hi!" {
		t.Errorf("second message: %+v", msgs[1])
	}
	// media-only row keeps its id with an empty body
	if msgs[2].ID != "false_12345@c.us_CCC" || msgs[2].Body != "" {
		t.Errorf("third message: %+v", msgs[2])
	}
}

const contactsFixture = `<html><body>
<div role="listitem" data-id="111@c.us">
  <span title="Alice"></span>
  <span>Hey there! I am using WhatsApp.</span>
</div>
<div role="listitem">
  <span title="Bob"></span>
  <span>+91 98765 43210</span>
</div>
</body></html>`

func TestParseContactDrawer(t *testing.T) {
	contacts, err := ParseContactDrawer(contactsFixture)
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 2 {
		t.Fatalf("contacts: got %d, want 2: %+v", len(contacts), contacts)
	}

	if contacts[0].Address != "111@c.us" || contacts[0].Name != "Alice" || contacts[0].Phone != "" {
		t.Errorf("alice: %+v", contacts[0])
	}
	if contacts[1].Name != "Bob" || contacts[1].Phone != "+91 98765 43210" {
		t.Errorf("bob: %+v", contacts[1])
	}
	// no data-id falls back to the name
	if contacts[1].Address != "Bob" {
		t.Errorf("bob address: %q", contacts[1].Address)
	}
}

func TestMarkdownBody(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"plain", `<span>just text</span>`, "just text"},
		{"bold", `<span>a <strong>b</strong></span>`, "a **b**"},
		{"italic", `<span><em>soft</em></span>`, "*soft*"},
		{"link", `<a href="https://example.com">site</a>`, "[site](https://example.com)"},
		{"script stripped", `<span>ok<script>alert(1)</script></span>`, "ok"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MarkdownBody(tc.in); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParsePrePlainText(t *testing.T) {
	from, at := parsePrePlainText("[09:30, 15/8/2026] Lee Wong: ")
	if from != "Lee Wong" {
		t.Errorf("from: %q", from)
	}
	if at.Day() != 15 || at.Month() != 8 || at.Hour() != 9 || at.Minute() != 30 {
		t.Errorf("at: %v", at)
	}

	if from, _ := parsePrePlainText("not a prefix"); from != "" {
		t.Errorf("malformed prefix should yield empty author, got %q", from)
	}
}

func TestSearchTerm(t *testing.T) {
	if got := searchTerm("919876543210@s.whatsapp.net"); got != "919876543210" {
		t.Errorf("jid: %q", got)
	}
	if got := searchTerm("Family Group"); got != "Family Group" {
		t.Errorf("name: %q", got)
	}
}
