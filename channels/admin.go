package channels

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Admin provides CRUD over the channels registry for the dashboard's
// settings surface. All mutations go through SQLite, so the Watch loop picks
// up changes without an explicit Reload call.
type Admin struct {
	db *sql.DB
}

// NewAdmin creates an Admin backed by a database with the registry schema
// applied (via Init).
func NewAdmin(db *sql.DB) *Admin {
	return &Admin{db: db}
}

// Row is a single registry row.
type Row struct {
	Name      string          `json:"name"`
	Platform  string          `json:"platform"`
	Enabled   bool            `json:"enabled"`
	Config    json.RawMessage `json:"config,omitempty"`
	UpdatedAt int64           `json:"updated_at"`
}

// List returns every registered channel ordered by name.
func (a *Admin) List(ctx context.Context) ([]Row, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT name, platform, enabled, COALESCE(config, '{}'), updated_at FROM channels ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("admin: list channels: %w", err)
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		var r Row
		var cfg string
		var enabled int
		if err := rows.Scan(&r.Name, &r.Platform, &enabled, &cfg, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("admin: scan channel: %w", err)
		}
		r.Enabled = enabled == 1
		r.Config = json.RawMessage(cfg)
		result = append(result, r)
	}
	return result, rows.Err()
}

// Get returns one channel, or nil when it doesn't exist.
func (a *Admin) Get(ctx context.Context, name string) (*Row, error) {
	var r Row
	var cfg string
	var enabled int
	err := a.db.QueryRowContext(ctx,
		`SELECT name, platform, enabled, COALESCE(config, '{}'), updated_at FROM channels WHERE name = ?`,
		name).Scan(&r.Name, &r.Platform, &enabled, &cfg, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("admin: get channel: %w", err)
	}
	r.Enabled = enabled == 1
	r.Config = json.RawMessage(cfg)
	return &r, nil
}

// Upsert inserts or updates a channel. The watcher detects the write and
// reconciles automatically.
func (a *Admin) Upsert(ctx context.Context, name, platform string, enabled bool, config json.RawMessage) error {
	if config == nil {
		config = json.RawMessage(`{}`)
	}
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO channels (name, platform, enabled, config)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		     platform = excluded.platform,
		     enabled  = excluded.enabled,
		     config   = excluded.config`,
		name, platform, enabledInt, string(config))
	if err != nil {
		return fmt.Errorf("admin: upsert channel: %w", err)
	}
	return nil
}

// Delete removes a channel from the registry.
func (a *Admin) Delete(ctx context.Context, name string) error {
	result, err := a.db.ExecContext(ctx, `DELETE FROM channels WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("admin: delete channel: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("admin: channel %q not found", name)
	}
	return nil
}

// SetEnabled toggles a channel without touching its config.
func (a *Admin) SetEnabled(ctx context.Context, name string, enabled bool) error {
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	result, err := a.db.ExecContext(ctx,
		`UPDATE channels SET enabled = ? WHERE name = ?`, enabledInt, name)
	if err != nil {
		return fmt.Errorf("admin: set enabled: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("admin: channel %q not found", name)
	}
	return nil
}
