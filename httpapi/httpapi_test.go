package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/msgrelay/bridge"
	"github.com/hazyhaar/msgrelay/channels"
	"github.com/hazyhaar/msgrelay/contacts"
	"github.com/hazyhaar/msgrelay/schedule"
)

type fakeBridge struct {
	health  bridge.HealthStatus
	sendErr error
	sent    []string
	webhook string
	msgs    []bridge.ChatMessage
	chats   []bridge.Chat
}

func (f *fakeBridge) Connect(ctx context.Context) error { return nil }
func (f *fakeBridge) Reconnect()                        {}
func (f *fakeBridge) Health() bridge.HealthStatus       { return f.health }
func (f *fakeBridge) SetWebhook(url string)             { f.webhook = url }

func (f *fakeBridge) SendMessage(ctx context.Context, to, body string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, to+": "+body)
	return nil
}

func (f *fakeBridge) SendMedia(ctx context.Context, to string, files []bridge.MediaFile, opts bridge.MediaOptions) error {
	return f.sendErr
}

func (f *fakeBridge) GetUnread(ctx context.Context, contact string) ([]bridge.Chat, error) {
	return f.chats, nil
}

func (f *fakeBridge) GetMessages(ctx context.Context, chatID string, after time.Time, limit int) ([]bridge.ChatMessage, error) {
	return f.msgs, nil
}

func (f *fakeBridge) SearchMessages(ctx context.Context, query, chatID string) ([]bridge.ChatMessage, error) {
	return f.msgs, nil
}

func (f *fakeBridge) DownloadMedia(ctx context.Context, chatID string, count int) ([]bridge.MediaFile, error) {
	return []bridge.MediaFile{{Name: "a.jpg", MIME: "image/jpeg", Data: []byte{1, 2}}}, nil
}

func (f *fakeBridge) ListContacts(ctx context.Context) ([]bridge.Contact, error) {
	return []bridge.Contact{{Address: "1@x", Name: "Dana"}}, nil
}

func (f *fakeBridge) GroupInviteLink(ctx context.Context, groupID string) (string, error) {
	return "https://chat.example.com/abc", nil
}

// fakeResolver resolves anything numeric; names must be in the book.
type fakeResolver struct{ book map[string]string }

func (f *fakeResolver) Resolve(ctx context.Context, id string) (string, error) {
	if addr, ok := f.book[id]; ok {
		return addr, nil
	}
	return "", contacts.ErrInvalidContact
}

type fakeScheduler struct {
	entries []schedule.Message
}

func (f *fakeScheduler) Schedule(to, body string, at time.Time) (schedule.Message, error) {
	if !at.After(time.Now()) {
		return schedule.Message{}, schedule.ErrValidationFailed
	}
	m := schedule.Message{ID: "sched_1", To: to, Message: body, Date: at}
	f.entries = append(f.entries, m)
	return m, nil
}

func (f *fakeScheduler) List() []schedule.Message { return f.entries }

func (f *fakeScheduler) Remove(id string) error {
	for i, m := range f.entries {
		if m.ID == id {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			return nil
		}
	}
	return schedule.ErrNotFound
}

type fakeHub struct{ sent []string }

func (f *fakeHub) Overview(ctx context.Context) []channels.Conversation {
	return []channels.Conversation{{ID: "c1", Title: "general", Platform: "telegram"}}
}

func (f *fakeHub) Conversations(ctx context.Context, channel string) ([]channels.Conversation, error) {
	if channel != "tg" {
		return nil, &channels.ErrChannelNotFound{Channel: channel}
	}
	return f.Overview(ctx), nil
}

func (f *fakeHub) Messages(ctx context.Context, channel, id string, limit int) ([]channels.Message, error) {
	return nil, nil
}

func (f *fakeHub) Send(ctx context.Context, channel, id, body string) error {
	if channel != "tg" {
		return &channels.ErrChannelNotFound{Channel: channel}
	}
	f.sent = append(f.sent, body)
	return nil
}

func (f *fakeHub) Statuses() map[string]channels.Status { return nil }

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *fakeBridge, *fakeScheduler, *fakeHub) {
	t.Helper()
	b := &fakeBridge{health: bridge.HealthStatus{State: "ready"}}
	res := &fakeResolver{book: map[string]string{
		"Dana":       "911111111111@s.whatsapp.net",
		"9876543210": "919876543210@s.whatsapp.net",
	}}
	sched := &fakeScheduler{}
	hub := &fakeHub{}
	return NewServer(b, res, sched, hub, opts...), b, sched, hub
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := doRequest(t, s.Router(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ready"`) {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

func TestSend_ResolvesAndSends(t *testing.T) {
	s, b, _, _ := newTestServer(t)
	rec := doRequest(t, s.Router(), http.MethodPost, "/api/messages/send",
		`{"to":"Dana","message":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}
	if len(b.sent) != 1 || b.sent[0] != "911111111111@s.whatsapp.net: hello" {
		t.Fatalf("sent: %v", b.sent)
	}
}

func TestSend_UnknownContact(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := doRequest(t, s.Router(), http.MethodPost, "/api/messages/send",
		`{"to":"Nobody","message":"hello"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestSend_NotReadyMapsToConflict(t *testing.T) {
	s, b, _, _ := newTestServer(t)
	b.sendErr = bridge.ErrClientNotReady
	rec := doRequest(t, s.Router(), http.MethodPost, "/api/messages/send",
		`{"to":"Dana","message":"hello"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestSend_MissingFields(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := doRequest(t, s.Router(), http.MethodPost, "/api/messages/send", `{"to":"Dana"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestMessages_BadAfterParam(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := doRequest(t, s.Router(), http.MethodGet, "/api/chats/c1/messages?after=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestSchedule_RoundTrip(t *testing.T) {
	s, _, sched, _ := newTestServer(t)
	h := s.Router()

	date := time.Now().Add(time.Hour).Format(time.RFC3339)
	rec := doRequest(t, h, http.MethodPost, "/api/schedule",
		`{"to":"Dana","message":"later","date":"`+date+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status: %d body: %s", rec.Code, rec.Body.String())
	}
	if len(sched.entries) != 1 || sched.entries[0].To != "911111111111@s.whatsapp.net" {
		t.Fatalf("entries: %+v", sched.entries)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/schedule", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "sched_1") {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodDelete, "/api/schedule/sched_1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("remove status: %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodDelete, "/api/schedule/sched_1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("double remove status: %d", rec.Code)
	}
}

func TestSchedule_PastDateRejected(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	date := time.Now().Add(-time.Hour).Format(time.RFC3339)
	rec := doRequest(t, s.Router(), http.MethodPost, "/api/schedule",
		`{"to":"Dana","message":"late","date":"`+date+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestSmartReply_QuestionGetsAnswers(t *testing.T) {
	s, b, _, _ := newTestServer(t)
	b.msgs = []bridge.ChatMessage{
		{From: "Dana", Body: "are you coming?", FromMe: false},
	}
	rec := doRequest(t, s.Router(), http.MethodPost, "/api/chats/c1/smart-reply", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}

	var resp struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Suggestions) == 0 {
		t.Fatal("no suggestions")
	}
}

func TestChannelSend_RoutesAndMisses(t *testing.T) {
	s, _, _, hub := newTestServer(t)
	h := s.Router()

	rec := doRequest(t, h, http.MethodPost, "/api/channels/tg/conversations/c1/messages",
		`{"message":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}
	if len(hub.sent) != 1 || hub.sent[0] != "hi" {
		t.Fatalf("hub sent: %v", hub.sent)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/channels/ghost/conversations/c1/messages",
		`{"message":"hi"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing channel status: %d", rec.Code)
	}
}

func TestSetWebhook(t *testing.T) {
	s, b, _, _ := newTestServer(t)
	rec := doRequest(t, s.Router(), http.MethodPost, "/api/webhook",
		`{"url":"https://hooks.example.com/x"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if b.webhook != "https://hooks.example.com/x" {
		t.Fatalf("webhook: %q", b.webhook)
	}
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	s, _, _, _ := newTestServer(t, WithBasicAuth("ops", string(hash)))
	h := s.Router()

	rec := doRequest(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no creds: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.SetBasicAuth("ops", "wrong")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.SetBasicAuth("ops", "hunter2")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("good creds: %d", rr.Code)
	}
}
