// Package httpapi exposes the relay over REST: session lifecycle, messaging,
// scheduling, contact resolution and the multi-channel dashboard.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/msgrelay/bridge"
	"github.com/hazyhaar/msgrelay/channels"
	"github.com/hazyhaar/msgrelay/contacts"
	"github.com/hazyhaar/msgrelay/schedule"
)

// Bridge is the slice of the session manager the API serves.
type Bridge interface {
	Connect(ctx context.Context) error
	Reconnect()
	Health() bridge.HealthStatus
	SetWebhook(url string)
	SendMessage(ctx context.Context, to, body string) error
	SendMedia(ctx context.Context, to string, files []bridge.MediaFile, opts bridge.MediaOptions) error
	GetUnread(ctx context.Context, contact string) ([]bridge.Chat, error)
	GetMessages(ctx context.Context, chatID string, after time.Time, limit int) ([]bridge.ChatMessage, error)
	SearchMessages(ctx context.Context, query, chatID string) ([]bridge.ChatMessage, error)
	DownloadMedia(ctx context.Context, chatID string, count int) ([]bridge.MediaFile, error)
	ListContacts(ctx context.Context) ([]bridge.Contact, error)
	GroupInviteLink(ctx context.Context, groupID string) (string, error)
}

// Resolver turns a phone number or display name into a canonical address.
type Resolver interface {
	Resolve(ctx context.Context, identifier string) (string, error)
}

// Scheduler is the durable delayed-send store.
type Scheduler interface {
	Schedule(to, body string, at time.Time) (schedule.Message, error)
	List() []schedule.Message
	Remove(id string) error
}

// Dashboard aggregates conversations across all registered channels.
type Dashboard interface {
	Overview(ctx context.Context) []channels.Conversation
	Conversations(ctx context.Context, channel string) ([]channels.Conversation, error)
	Messages(ctx context.Context, channel, conversationID string, limit int) ([]channels.Message, error)
	Send(ctx context.Context, channel, conversationID, body string) error
	Statuses() map[string]channels.Status
}

// Server wires the HTTP surface. All collaborators are interfaces so
// handler tests run against fakes.
type Server struct {
	bridge   Bridge
	resolver Resolver
	sched    Scheduler
	hub      Dashboard
	admin    *channels.Admin
	replier  SmartReplier
	log      *slog.Logger

	authUser string
	authHash string
}

// ServerOption customises a Server.
type ServerOption func(*Server)

// WithLogger sets the structured logger. Default: discard.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithBasicAuth protects every route with HTTP Basic Auth. hash is a bcrypt
// hash of the password. With an empty user the API stays open.
func WithBasicAuth(user, hash string) ServerOption {
	return func(s *Server) {
		s.authUser = user
		s.authHash = hash
	}
}

// WithSmartReplier overrides the reply suggester.
func WithSmartReplier(r SmartReplier) ServerOption {
	return func(s *Server) { s.replier = r }
}

// WithChannelAdmin enables the registry CRUD routes.
func WithChannelAdmin(a *channels.Admin) ServerOption {
	return func(s *Server) { s.admin = a }
}

// NewServer builds the API around its collaborators.
func NewServer(b Bridge, res Resolver, sched Scheduler, hub Dashboard, opts ...ServerOption) *Server {
	s := &Server{
		bridge:   b,
		resolver: res,
		sched:    sched,
		hub:      hub,
		replier:  CannedReplier{},
		log:      slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requireAuth)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/session/connect", s.handleConnect)
		r.Post("/session/reconnect", s.handleReconnect)
		r.Post("/webhook", s.handleSetWebhook)

		r.Post("/messages/send", s.handleSend)
		r.Post("/messages/media", s.handleSendMedia)
		r.Get("/messages/unread", s.handleUnread)
		r.Get("/messages/search", s.handleSearch)

		r.Route("/chats/{chatID}", func(r chi.Router) {
			r.Get("/messages", s.handleMessages)
			r.Get("/media", s.handleDownloadMedia)
			r.Post("/smart-reply", s.handleSmartReply)
		})

		r.Get("/contacts", s.handleContacts)
		r.Get("/groups/{groupID}/invite", s.handleInviteLink)

		r.Route("/schedule", func(r chi.Router) {
			r.Post("/", s.handleScheduleCreate)
			r.Get("/", s.handleScheduleList)
			r.Delete("/{id}", s.handleScheduleRemove)
		})

		r.Get("/dashboard/overview", s.handleOverview)
		r.Route("/channels", func(r chi.Router) {
			if s.admin != nil {
				r.Get("/", s.handleChannelList)
				r.Post("/", s.handleChannelUpsert)
				r.Delete("/{name}", s.handleChannelDelete)
				r.Post("/{name}/enabled", s.handleChannelEnable)
			}
			r.Get("/{channel}/conversations", s.handleConversations)
			r.Get("/{channel}/conversations/{id}/messages", s.handleChannelMessages)
			r.Post("/{channel}/conversations/{id}/messages", s.handleChannelSend)
		})
	})

	return r
}

// requireAuth enforces HTTP Basic Auth when credentials are configured.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authUser == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.authUser)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(s.authHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="msgrelay"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var notFound *channels.ErrChannelNotFound
	switch {
	case errors.Is(err, bridge.ErrClientNotReady),
		errors.Is(err, bridge.ErrSessionExpired):
		code = http.StatusConflict
	case errors.Is(err, bridge.ErrCleanupInProgress),
		errors.Is(err, bridge.ErrReconnectionExhausted):
		code = http.StatusServiceUnavailable
	case errors.Is(err, contacts.ErrInvalidContact),
		errors.Is(err, schedule.ErrNotFound),
		errors.As(err, &notFound):
		code = http.StatusNotFound
	case errors.Is(err, schedule.ErrValidationFailed):
		code = http.StatusBadRequest
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
