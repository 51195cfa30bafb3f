package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/msgrelay/bridge"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Relay-Signature"

// Notifier delivers bridge lifecycle events to a subscriber URL, signing
// each body so the receiver can verify origin.
type Notifier struct {
	client *http.Client
	secret []byte
	log    *slog.Logger
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithHTTPClient overrides the HTTP client. Default: 10s timeout.
func WithHTTPClient(c *http.Client) NotifierOption {
	return func(n *Notifier) { n.client = c }
}

// WithNotifierLogger sets the structured logger. Default: discard.
func WithNotifierLogger(l *slog.Logger) NotifierOption {
	return func(n *Notifier) { n.log = l }
}

// NewNotifier builds a Notifier signing with secret.
func NewNotifier(secret string, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		client: &http.Client{Timeout: 10 * time.Second},
		secret: []byte(secret),
		log:    slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// webhookPayload is the JSON body posted to subscribers.
type webhookPayload struct {
	Event  string    `json:"event"`
	Reason string    `json:"reason,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Notify posts one lifecycle event to url. Delivery is best-effort: a
// failure is logged, never retried.
func (n *Notifier) Notify(url string, ev bridge.Event) {
	p := webhookPayload{
		Event:  ev.Type.String(),
		Reason: ev.Reason,
		At:     time.Now().UTC(),
	}
	if ev.Err != nil {
		p.Error = ev.Err.Error()
	}

	body, err := json.Marshal(p)
	if err != nil {
		n.log.Error("webhook encode failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.log.Error("webhook request failed", "url", url, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, n.Sign(body))

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn("webhook delivery failed", "url", url, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.Warn("webhook rejected", "url", url, "status", resp.StatusCode)
		return
	}
	n.log.Debug("webhook delivered", "url", url, "event", p.Event)
}

// Sign returns the hex HMAC-SHA256 of body under the notifier's secret.
func (n *Notifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, n.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body. For use by receivers and
// tests.
func (n *Notifier) Verify(body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, n.secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// BridgeHook adapts the Notifier to the manager's webhook option.
func (n *Notifier) BridgeHook() bridge.WebhookFunc {
	return func(url string, ev bridge.Event) { n.Notify(url, ev) }
}
