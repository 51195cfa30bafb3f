package channels

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// entry holds a running connector and its config fingerprint.
type entry struct {
	connector   Connector
	platform    string
	fingerprint string
}

// Hub manages the active connector set. It reconciles against the channels
// registry: new enabled rows start connectors, removed or disabled rows stop
// them, and rows with changed config are restarted.
type Hub struct {
	mu        sync.RWMutex
	active    map[string]*entry
	factories map[string]ConnectorFactory
	log       *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLogger sets the structured logger. Default: discard.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

// NewHub creates an empty Hub. Register platform factories before Watch.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		active:    make(map[string]*entry),
		factories: make(map[string]ConnectorFactory),
		log:       slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// RegisterPlatform registers a ConnectorFactory for a platform name.
func (h *Hub) RegisterPlatform(platform string, f ConnectorFactory) {
	h.mu.Lock()
	h.factories[platform] = f
	h.mu.Unlock()
}

// Send delivers a message through the named channel.
func (h *Hub) Send(ctx context.Context, channel, conversationID, body string) error {
	h.mu.RLock()
	e, ok := h.active[channel]
	h.mu.RUnlock()
	if !ok {
		return &ErrChannelNotFound{Channel: channel}
	}
	if err := e.connector.Send(ctx, conversationID, body); err != nil {
		return &ErrSendFailed{Channel: channel, Platform: e.platform, Cause: err}
	}
	return nil
}

// Conversations returns the named channel's conversation list.
func (h *Hub) Conversations(ctx context.Context, channel string) ([]Conversation, error) {
	h.mu.RLock()
	e, ok := h.active[channel]
	h.mu.RUnlock()
	if !ok {
		return nil, &ErrChannelNotFound{Channel: channel}
	}
	return e.connector.Conversations(ctx)
}

// Messages returns recent messages from one conversation on one channel.
func (h *Hub) Messages(ctx context.Context, channel, conversationID string, limit int) ([]Message, error) {
	h.mu.RLock()
	e, ok := h.active[channel]
	h.mu.RUnlock()
	if !ok {
		return nil, &ErrChannelNotFound{Channel: channel}
	}
	return e.connector.Messages(ctx, conversationID, limit)
}

// Overview aggregates conversations across every active connector, newest
// activity first. A connector failing to list logs and is skipped; one dead
// platform must not blank the whole dashboard.
func (h *Hub) Overview(ctx context.Context) []Conversation {
	h.mu.RLock()
	entries := make(map[string]*entry, len(h.active))
	for name, e := range h.active {
		entries[name] = e
	}
	h.mu.RUnlock()

	var all []Conversation
	for name, e := range entries {
		convs, err := e.connector.Conversations(ctx)
		if err != nil {
			h.log.Warn("connector listing failed", "channel", name, "platform", e.platform, "error", err)
			continue
		}
		all = append(all, convs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastAt.After(all[j].LastAt) })
	return all
}

// Statuses returns the status of every active connector keyed by channel
// name.
func (h *Hub) Statuses() map[string]Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]Status, len(h.active))
	for name, e := range h.active {
		out[name] = e.connector.Status()
	}
	return out
}

// registryRow is one row of the channels registry.
type registryRow struct {
	Name     string
	Platform string
	Enabled  bool
	Config   json.RawMessage
}

func (r registryRow) fingerprint() string {
	return r.Platform + "|" + string(r.Config)
}

// Reload reads the registry and reconciles the active connector set. Rows
// that cannot start are collected and reported after the full reconcile, so
// one bad row never blocks the rest.
func (h *Hub) Reload(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		`SELECT name, platform, enabled, COALESCE(config, '{}') FROM channels`)
	if err != nil {
		return fmt.Errorf("channels: query registry: %w", err)
	}
	defer rows.Close()

	desired := make(map[string]registryRow)
	for rows.Next() {
		var r registryRow
		var cfg string
		var enabled int
		if err := rows.Scan(&r.Name, &r.Platform, &enabled, &cfg); err != nil {
			return fmt.Errorf("channels: scan registry row: %w", err)
		}
		r.Enabled = enabled == 1
		r.Config = json.RawMessage(cfg)
		desired[r.Name] = r
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("channels: registry rows: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for name, e := range h.active {
		r, exists := desired[name]
		if !exists || !r.Enabled || r.fingerprint() != e.fingerprint {
			h.closeEntry(name, e)
			delete(h.active, name)
		}
	}

	var failed []error
	for name, r := range desired {
		if !r.Enabled {
			continue
		}
		if _, running := h.active[name]; running {
			continue
		}

		factory, ok := h.factories[r.Platform]
		if !ok {
			h.log.Warn("no factory for platform", "channel", name, "platform", r.Platform)
			failed = append(failed, &ErrNoPlatformFactory{Channel: name, Platform: r.Platform})
			continue
		}
		c, err := factory(name, r.Config)
		if err != nil {
			h.log.Error("connector factory failed", "channel", name, "platform", r.Platform, "error", err)
			failed = append(failed, fmt.Errorf("channels: start %s: %w", name, err))
			continue
		}
		h.active[name] = &entry{connector: c, platform: r.Platform, fingerprint: r.fingerprint()}
		h.log.Info("channel started", "channel", name, "platform", r.Platform)
	}

	h.log.Info("channels reconciled", "active", len(h.active), "configured", len(desired))
	return errors.Join(failed...)
}

// Watch polls PRAGMA data_version at the given interval and reconciles when
// it changes. data_version increments on any write to the database, so
// registry edits are picked up with zero downtime. Blocks until ctx ends.
func (h *Hub) Watch(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastVersion int64
	if err := h.Reload(ctx, db); err != nil {
		h.log.Error("initial reconcile failed", "error", err)
	}
	db.QueryRow("PRAGMA data_version").Scan(&lastVersion)

	h.log.Info("registry watcher started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			h.log.Info("registry watcher stopped")
			return
		case <-ticker.C:
			var ver int64
			if err := db.QueryRow("PRAGMA data_version").Scan(&ver); err != nil {
				h.log.Warn("data_version poll failed", "error", err)
				continue
			}
			if ver != lastVersion {
				if err := h.Reload(ctx, db); err != nil {
					h.log.Error("reconcile failed", "error", err)
				}
				lastVersion = ver
			}
		}
	}
}

func (h *Hub) closeEntry(name string, e *entry) {
	if err := e.connector.Close(); err != nil {
		h.log.Error("connector close failed", "channel", name, "platform", e.platform, "error", err)
		return
	}
	h.log.Info("channel stopped", "channel", name, "platform", e.platform)
}

// Close stops every active connector.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, e := range h.active {
		h.closeEntry(name, e)
	}
	h.active = make(map[string]*entry)
	return nil
}
