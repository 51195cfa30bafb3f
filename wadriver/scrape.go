package wadriver

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/msgrelay/bridge"
)

// The scrapers work on full-page HTML snapshots so they stay testable
// without a browser. WhatsApp Web renders chats and messages as listitems
// with a handful of stable attributes: data-id on message rows,
// data-pre-plain-text carrying the timestamp and author, title on name
// spans.

var (
	textPolicy  = bluemonday.StrictPolicy()
	mdConverter = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
)

// prePlainLayout matches the data-pre-plain-text prefix: "[14:05, 2/1/2026] Dana: ".
const prePlainLayout = "15:04, 2/1/2006"

// ParseChatList extracts the conversation pane from a page snapshot.
func ParseChatList(src string) ([]bridge.Chat, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("wadriver: parse chat list: %w", err)
	}

	pane := findFirst(doc, func(n *html.Node) bool { return attrVal(n, "id") == "pane-side" })
	if pane == nil {
		pane = doc
	}

	var chats []bridge.Chat
	for _, row := range findAll(pane, func(n *html.Node) bool { return attrVal(n, "role") == "listitem" }) {
		name := findFirst(row, func(n *html.Node) bool {
			return n.DataAtom == atom.Span && attrVal(n, "title") != ""
		})
		if name == nil {
			continue
		}
		chat := bridge.Chat{Name: attrVal(name, "title")}
		chat.ID = chat.Name
		if id := attrVal(row, "data-id"); id != "" {
			chat.ID = id
		}

		if badge := findFirst(row, func(n *html.Node) bool {
			return strings.Contains(attrVal(n, "aria-label"), "unread")
		}); badge != nil {
			chat.Unread = leadingInt(collectText(badge))
			if chat.Unread == 0 && strings.Contains(attrVal(badge, "aria-label"), "unread") {
				chat.Unread = 1
			}
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

// ParseMessages extracts the open conversation's messages, oldest first.
func ParseMessages(src, chatID string) ([]bridge.ChatMessage, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("wadriver: parse messages: %w", err)
	}

	rows := findAll(doc, func(n *html.Node) bool {
		return classContains(n, "message-in") || classContains(n, "message-out")
	})

	msgs := make([]bridge.ChatMessage, 0, len(rows))
	for _, row := range rows {
		msg := bridge.ChatMessage{
			ID:     attrVal(row, "data-id"),
			ChatID: chatID,
			FromMe: classContains(row, "message-out"),
		}

		if meta := findFirst(row, func(n *html.Node) bool {
			return attrVal(n, "data-pre-plain-text") != ""
		}); meta != nil {
			from, at := parsePrePlainText(attrVal(meta, "data-pre-plain-text"))
			msg.From = from
			msg.At = at
		}

		if body := findFirst(row, func(n *html.Node) bool {
			return classContains(n, "selectable-text")
		}); body != nil {
			msg.Body = MarkdownBody(renderNode(body))
		}
		if msg.Body == "" && msg.ID == "" {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// ParseContactDrawer extracts the address book from the new-chat drawer.
// Rows whose secondary line is a phone number keep it on the contact.
func ParseContactDrawer(src string) ([]bridge.Contact, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("wadriver: parse contacts: %w", err)
	}

	var contacts []bridge.Contact
	for _, row := range findAll(doc, func(n *html.Node) bool { return attrVal(n, "role") == "listitem" }) {
		name := findFirst(row, func(n *html.Node) bool {
			return n.DataAtom == atom.Span && attrVal(n, "title") != ""
		})
		if name == nil {
			continue
		}
		c := bridge.Contact{Name: attrVal(name, "title")}
		c.Address = attrVal(row, "data-id")

		for _, span := range findAll(row, func(n *html.Node) bool { return n.DataAtom == atom.Span }) {
			txt := strings.TrimSpace(collectText(span))
			if strings.HasPrefix(txt, "+") && leadingInt(txt[1:]) > 0 {
				c.Phone = txt
				break
			}
		}
		if c.Address == "" {
			c.Address = c.Name
		}
		contacts = append(contacts, c)
	}
	return contacts, nil
}

// MarkdownBody converts a rendered message fragment to markdown, falling
// back to sanitized plain text when conversion fails or comes out empty.
func MarkdownBody(fragment string) string {
	md, err := mdConverter.ConvertString(fragment)
	if err == nil && strings.TrimSpace(md) != "" {
		return strings.TrimSpace(md)
	}
	return strings.TrimSpace(textPolicy.Sanitize(fragment))
}

// parsePrePlainText splits "[14:05, 2/1/2026] Dana: " into author and time.
func parsePrePlainText(s string) (from string, at time.Time) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") {
		return "", time.Time{}
	}
	end := strings.Index(s, "]")
	if end < 0 {
		return "", time.Time{}
	}
	if t, err := time.Parse(prePlainLayout, s[1:end]); err == nil {
		at = t
	}
	rest := strings.TrimSpace(s[end+1:])
	from = strings.TrimSuffix(rest, ":")
	return from, at
}

// searchTerm strips a JID down to what the search box understands.
func searchTerm(id string) string {
	if i := strings.IndexByte(id, '@'); i > 0 {
		return id[:i]
	}
	return id
}

func leadingInt(s string) int {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	n, _ := strconv.Atoi(s[:i])
	return n
}

func attrVal(n *html.Node, key string) string {
	if n.Type != html.ElementNode {
		return ""
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func classContains(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attrVal(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// findFirst returns the first node in depth-first order matching pred.
func findFirst(root *html.Node, pred func(*html.Node) bool) *html.Node {
	var found *html.Node
	var f func(*html.Node)
	f = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && pred(n) {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(root)
	return found
}

// findAll returns every matching node, skipping descendants of matches.
func findAll(root *html.Node, pred func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode && pred(n) {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(root)
	return out
}

// collectText extracts visible text from a subtree.
func collectText(n *html.Node) string {
	var sb strings.Builder
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return sb.String()
}

// renderNode serialises a subtree back to HTML.
func renderNode(n *html.Node) string {
	var sb strings.Builder
	if err := html.Render(&sb, n); err != nil {
		return ""
	}
	return sb.String()
}
