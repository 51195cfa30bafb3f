package httpapi

import (
	"context"
	"strings"

	"github.com/hazyhaar/msgrelay/bridge"
)

// SmartReplier proposes short replies for a conversation. The canned
// implementation stands in until a real model is wired behind the same
// interface.
type SmartReplier interface {
	Suggest(ctx context.Context, msgs []bridge.ChatMessage) []string
}

// CannedReplier picks suggestions by shallow inspection of the last
// inbound message.
type CannedReplier struct{}

func (CannedReplier) Suggest(_ context.Context, msgs []bridge.ChatMessage) []string {
	var last string
	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].FromMe {
			last = strings.ToLower(msgs[i].Body)
			break
		}
	}

	switch {
	case last == "":
		return []string{"Hello!", "How can I help?"}
	case strings.Contains(last, "?"):
		return []string{"Let me check and get back to you.", "Yes.", "No, sorry."}
	case strings.Contains(last, "thank"):
		return []string{"You're welcome!", "Anytime.", "Glad to help."}
	case strings.Contains(last, "meet") || strings.Contains(last, "call"):
		return []string{"Works for me.", "Can we do it later today?", "I'll send an invite."}
	default:
		return []string{"Got it, thanks.", "Sounds good.", "I'll take a look."}
	}
}
