// Package schedule is the durable log of future sends. Entries live in a
// flat JSON file, are replayed on process start, and are removed after the
// send attempt whether it succeeded or not. Delivery is at-most-once.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hazyhaar/msgrelay/clock"
	"github.com/hazyhaar/msgrelay/idgen"
)

var (
	// ErrValidationFailed rejects a schedule request whose send time is not
	// strictly in the future.
	ErrValidationFailed = errors.New("schedule: send time must be in the future")

	// ErrNotFound reports an unknown entry id.
	ErrNotFound = errors.New("schedule: entry not found")
)

// Message is one durable scheduled send.
type Message struct {
	ID        string    `json:"id"`
	To        string    `json:"to"`
	Message   string    `json:"message"`
	Date      time.Time `json:"date"`
	CreatedAt time.Time `json:"created_at"`
}

// SendFunc performs the actual send at fire time. Wired to the gated
// bridge.Manager.SendMessage in production.
type SendFunc func(ctx context.Context, to, body string) error

// Store owns the durable list file and the in-process timers armed from it.
type Store struct {
	mu      sync.Mutex
	path    string
	entries []Message
	timers  map[string]clock.Timer

	send SendFunc
	clk  clock.Clock
	log  *slog.Logger
	gen  idgen.Generator
}

// Option customises a Store.
type Option func(*Store)

// WithClock injects the time source used for validation and timers.
func WithClock(c clock.Clock) Option { return func(s *Store) { s.clk = c } }

// WithLogger sets the structured logger. Default: discard.
func WithLogger(log *slog.Logger) Option { return func(s *Store) { s.log = log } }

// WithIDGenerator overrides the entry id source. Default: "sched_" NanoIDs.
func WithIDGenerator(g idgen.Generator) Option { return func(s *Store) { s.gen = g } }

// New builds a Store over the list file at path. Call Start to load and arm
// persisted entries.
func New(path string, send SendFunc, opts ...Option) *Store {
	s := &Store{
		path:   path,
		timers: make(map[string]clock.Timer),
		send:   send,
		clk:    clock.Real(),
		log:    slog.New(slog.DiscardHandler),
		gen:    idgen.Prefixed("sched_", idgen.NanoID(10)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start loads the persisted list and arms a timer for every entry. An entry
// whose send time already passed fires immediately; it is not dropped.
func (s *Store) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("schedule: read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return fmt.Errorf("schedule: parse %s: %w", s.path, err)
	}

	now := s.clk.Now()
	for _, msg := range s.entries {
		delay := msg.Date.Sub(now)
		if delay <= 0 {
			s.log.Info("overdue scheduled message fires immediately", "id", msg.ID, "due", msg.Date)
		}
		s.armLocked(msg, delay)
	}
	s.log.Info("scheduled messages loaded", "count", len(s.entries))
	return nil
}

// Schedule validates, persists and arms a new entry, returning it with its
// generated id.
func (s *Store) Schedule(to, body string, at time.Time) (Message, error) {
	now := s.clk.Now()
	if !at.After(now) {
		return Message{}, ErrValidationFailed
	}

	msg := Message{
		ID:        s.gen(),
		To:        to,
		Message:   body,
		Date:      at,
		CreatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, msg)
	if err := s.persistLocked(); err != nil {
		s.entries = s.entries[:len(s.entries)-1]
		return Message{}, err
	}
	s.armLocked(msg, at.Sub(now))
	s.log.Info("message scheduled", "id", msg.ID, "to", to, "due", at)
	return msg, nil
}

// List returns a snapshot of pending entries.
func (s *Store) List() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.entries...)
}

// Remove cancels and deletes an entry.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeLocked(id) {
		return ErrNotFound
	}
	return s.persistLocked()
}

// Stop cancels every armed timer without touching the durable list. Entries
// fire again on the next Start.
func (s *Store) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Store) armLocked(msg Message, delay time.Duration) {
	s.timers[msg.ID] = s.clk.AfterFunc(delay, func() { s.fire(msg.ID) })
}

// fire attempts the send and removes the entry regardless of the outcome.
func (s *Store) fire(id string) {
	s.mu.Lock()
	var msg Message
	found := false
	for _, e := range s.entries {
		if e.ID == id {
			msg = e
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return
	}

	err := s.send(context.Background(), msg.To, msg.Message)
	if err != nil {
		s.log.Error("scheduled send failed, entry dropped", "id", id, "to", msg.To, "error", err)
	} else {
		s.log.Info("scheduled message sent", "id", id, "to", msg.To)
	}

	s.mu.Lock()
	s.removeLocked(id)
	if perr := s.persistLocked(); perr != nil {
		s.log.Error("schedule persist after fire failed", "id", id, "error", perr)
	}
	s.mu.Unlock()
}

// removeLocked drops the entry and its timer. Reports whether it existed.
func (s *Store) removeLocked(id string) bool {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Store) persistLocked() error {
	list := s.entries
	if list == nil {
		list = []Message{}
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("schedule: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("schedule: mkdir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("schedule: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("schedule: rename: %w", err)
	}
	return nil
}
