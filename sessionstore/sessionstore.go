// Package sessionstore persists the opaque session blob as a flat file with
// a checksummed envelope, keeps timestamped backups of previous blobs, and
// supports explicit invalidation after logout.
package sessionstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	recordVersion     = "1"
	backupTimeLayout  = "20060102T150405.000000000Z"
	invalidatedPrefix = "invalidated-"
	defaultKeep       = 5
)

// FileError wraps a filesystem failure with the operation and path. Save and
// Invalidate surface these rather than swallowing them: a silently corrupted
// session store is worse than a visible failure.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("sessionstore: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// record is the on-disk envelope around the opaque payload.
type record struct {
	Version  string    `json:"version"`
	SavedAt  time.Time `json:"saved_at"`
	Checksum string    `json:"checksum"`
	Payload  []byte    `json:"payload"`
}

// Store owns the live session file and its backup directory.
type Store struct {
	mu        sync.Mutex
	path      string
	backupDir string
	keep      int
	log       *slog.Logger
	now       func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithBackupDir overrides the backup directory. Default: "backups" next to
// the live file.
func WithBackupDir(dir string) Option { return func(s *Store) { s.backupDir = dir } }

// WithKeep sets how many backups survive pruning. Default: 5.
func WithKeep(n int) Option { return func(s *Store) { s.keep = n } }

// WithLogger sets the structured logger. Default: discard.
func WithLogger(log *slog.Logger) Option { return func(s *Store) { s.log = log } }

// WithNow injects the timestamp source for backup names.
func WithNow(f func() time.Time) Option { return func(s *Store) { s.now = f } }

// New builds a Store for the live session file at path.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:      path,
		backupDir: filepath.Join(filepath.Dir(path), "backups"),
		keep:      defaultKeep,
		log:       slog.New(slog.DiscardHandler),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Save backs up the current file, if any, then writes a fresh checksummed
// envelope atomically. Backups beyond the retention count are pruned.
func (s *Store) Save(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); err == nil {
		name := s.now().UTC().Format(backupTimeLayout) + ".json"
		if err := s.copyToBackup(name); err != nil {
			s.log.Error("session backup failed", "error", err)
			return err
		}
		s.prune()
	}

	rec := record{
		Version:  recordVersion,
		SavedAt:  s.now().UTC(),
		Checksum: checksum(payload),
		Payload:  payload,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return &FileError{Op: "encode", Path: s.path, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &FileError{Op: "mkdir", Path: filepath.Dir(s.path), Err: err}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return &FileError{Op: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return &FileError{Op: "rename", Path: s.path, Err: err}
	}

	s.log.Debug("session saved", "bytes", len(payload))
	return nil
}

// Load returns the stored payload, or nil when no usable session exists. A
// missing file, an unreadable envelope and a checksum mismatch all resolve
// to nil: the caller falls back to a fresh pairing, never to corrupt state.
func (s *Store) Load() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &FileError{Op: "read", Path: s.path, Err: err}
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.log.Warn("session file unreadable, treating as absent", "error", err)
		return nil, nil
	}
	if rec.Checksum != checksum(rec.Payload) {
		s.log.Warn("session checksum mismatch, treating as absent", "saved_at", rec.SavedAt)
		return nil, nil
	}
	return rec.Payload, nil
}

// Invalidate moves the live file into the backup directory under an
// invalidated- prefix. A no-op when nothing is stored.
func (s *Store) Invalidate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		s.log.Info("invalidate requested but no session file exists")
		return nil
	}

	name := invalidatedPrefix + s.now().UTC().Format(backupTimeLayout) + ".json"
	if err := s.copyToBackup(name); err != nil {
		s.log.Error("session invalidation backup failed", "error", err)
		return err
	}
	if err := os.Remove(s.path); err != nil {
		return &FileError{Op: "remove", Path: s.path, Err: err}
	}
	s.log.Info("session file invalidated", "backup", name)
	return nil
}

// RestoreLatestBackup copies the newest regular backup over the live file.
// Invalidated backups are never restored. Returns false when no candidate
// exists.
func (s *Store) RestoreLatestBackup() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.backupNames()
	if err != nil {
		return false, err
	}
	if len(names) == 0 {
		return false, nil
	}

	// names sort ascending by timestamp; the last is the newest
	newest := filepath.Join(s.backupDir, names[len(names)-1])
	data, err := os.ReadFile(newest)
	if err != nil {
		return false, &FileError{Op: "read", Path: newest, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return false, &FileError{Op: "mkdir", Path: filepath.Dir(s.path), Err: err}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return false, &FileError{Op: "write", Path: s.path, Err: err}
	}
	s.log.Info("session restored from backup", "backup", names[len(names)-1])
	return true, nil
}

// copyToBackup copies the live file into the backup directory under name.
func (s *Store) copyToBackup(name string) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return &FileError{Op: "read", Path: s.path, Err: err}
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return &FileError{Op: "mkdir", Path: s.backupDir, Err: err}
	}
	dst := filepath.Join(s.backupDir, name)
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return &FileError{Op: "write", Path: dst, Err: err}
	}
	return nil
}

// prune removes regular backups beyond the newest keep. Invalidated
// tombstones are left alone.
func (s *Store) prune() {
	names, err := s.backupNames()
	if err != nil {
		s.log.Warn("backup prune skipped", "error", err)
		return
	}
	for len(names) > s.keep {
		victim := filepath.Join(s.backupDir, names[0])
		if err := os.Remove(victim); err != nil {
			s.log.Warn("backup prune failed", "path", victim, "error", err)
			return
		}
		s.log.Debug("pruned old backup", "name", names[0])
		names = names[1:]
	}
}

// backupNames lists regular backups sorted ascending by name, which equals
// ascending by creation time given the timestamp naming scheme.
func (s *Store) backupNames() ([]string, error) {
	entries, err := os.ReadDir(s.backupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &FileError{Op: "readdir", Path: s.backupDir, Err: err}
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), invalidatedPrefix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
