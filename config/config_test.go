package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8400" {
		t.Fatalf("addr: got %q", cfg.Addr)
	}
	if cfg.Session.MaxAttempts != 5 {
		t.Fatalf("max_attempts: got %d", cfg.Session.MaxAttempts)
	}
	if cfg.Contacts.CacheTTL != 5*time.Minute {
		t.Fatalf("cache_ttl: got %v", cfg.Contacts.CacheTTL)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	os.WriteFile(path, []byte(`
addr: ":9999"
session:
  backup_keep: 3
contacts:
  country_code: "44"
`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("addr: got %q", cfg.Addr)
	}
	if cfg.Session.BackupKeep != 3 {
		t.Fatalf("backup_keep: got %d", cfg.Session.BackupKeep)
	}
	if cfg.Contacts.CountryCode != "44" {
		t.Fatalf("country_code: got %q", cfg.Contacts.CountryCode)
	}
	// untouched fields keep their defaults
	if cfg.Session.MaxAttempts != 5 {
		t.Fatalf("max_attempts: got %d", cfg.Session.MaxAttempts)
	}
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	os.WriteFile(path, []byte("addr: \":9999\"\n"), 0o644)
	t.Setenv("MSGRELAY_ADDR", ":7777")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":7777" {
		t.Fatalf("addr: got %q", cfg.Addr)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	os.WriteFile(path, []byte("addr: [unclosed"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	os.WriteFile(path, []byte("session:\n  max_attempts: 0\n"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}
