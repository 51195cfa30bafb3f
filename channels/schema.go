package channels

import (
	"database/sql"

	"github.com/hazyhaar/msgrelay/dbopen"
)

// Schema defines the channels registry that drives the connector lifecycle.
// Each row maps a channel name to a platform and its configuration.
//
// Platforms:
//   - "whatsapp": the real bridge-backed session (QR pairing, recovery).
//   - "telegram": mocked integration serving canned conversations.
//   - "discord":  mocked integration serving canned conversations.
//
// The config column holds per-channel JSON. The enabled column shuts a
// channel down without deleting its config. Any write to this table bumps
// PRAGMA data_version, which Hub.Watch detects to trigger a hot reload.
const Schema = `
CREATE TABLE IF NOT EXISTS channels (
    name       TEXT PRIMARY KEY,
    platform   TEXT NOT NULL CHECK(platform IN ('whatsapp','telegram','discord')),
    enabled    INTEGER NOT NULL DEFAULT 1 CHECK(enabled IN (0, 1)),
    config     TEXT DEFAULT '{}',
    updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE INDEX IF NOT EXISTS idx_channels_platform ON channels(platform);

CREATE TRIGGER IF NOT EXISTS trg_channels_updated_at
AFTER UPDATE ON channels
FOR EACH ROW
BEGIN
    UPDATE channels SET updated_at = strftime('%s','now') WHERE name = NEW.name;
END;
`

// OpenDB opens the registry database with production-safe pragmas. The
// caller must blank-import the SQLite driver:
//
//	import _ "modernc.org/sqlite"
func OpenDB(path string) (*sql.DB, error) {
	return dbopen.Open(path, dbopen.WithBusyTimeout(5000), dbopen.WithMkdirAll())
}

// Init creates the channels registry if it doesn't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
