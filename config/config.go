// Package config loads the relay configuration from a YAML file with
// environment variable overrides. Every field has a working default so the
// binary starts with no file at all.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Addr     string   `yaml:"addr"`
	DataDir  string   `yaml:"data_dir"`
	Registry string   `yaml:"registry"`
	LogLevel string   `yaml:"log_level"`
	Session  Session  `yaml:"session"`
	Contacts Contacts `yaml:"contacts"`
	Browser  Browser  `yaml:"browser"`
	Webhook  Webhook  `yaml:"webhook"`
	Auth     Auth     `yaml:"auth"`
}

// Session controls session persistence and recovery.
type Session struct {
	File        string        `yaml:"file"`
	BackupKeep  int           `yaml:"backup_keep"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Contacts controls the contact cache.
type Contacts struct {
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	CountryCode string        `yaml:"country_code"`
}

// Browser controls the headless browser session driver.
type Browser struct {
	Headless    bool          `yaml:"headless"`
	UserDataDir string        `yaml:"user_data_dir"`
	NavTimeout  time.Duration `yaml:"nav_timeout"`
}

// Webhook configures outbound event delivery.
type Webhook struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// Auth configures dashboard login.
type Auth struct {
	User         string `yaml:"user"`
	PasswordHash string `yaml:"password_hash"`
}

// Default returns a Config with working defaults.
func Default() Config {
	return Config{
		Addr:     ":8400",
		DataDir:  "data",
		Registry: "data/registry.db",
		LogLevel: "info",
		Session: Session{
			File:        "data/session.json",
			BackupKeep:  5,
			MaxAttempts: 5,
			BaseDelay:   5 * time.Second,
			MaxDelay:    30 * time.Second,
		},
		Contacts: Contacts{
			CacheTTL:    5 * time.Minute,
			CountryCode: "91",
		},
		Browser: Browser{
			Headless:   true,
			NavTimeout: 60 * time.Second,
		},
	}
}

// Load reads the YAML file at path over Default and applies environment
// overrides last. A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.Addr, "MSGRELAY_ADDR")
	setStr(&c.DataDir, "MSGRELAY_DATA_DIR")
	setStr(&c.Registry, "MSGRELAY_REGISTRY")
	setStr(&c.LogLevel, "MSGRELAY_LOG_LEVEL")
	setStr(&c.Session.File, "MSGRELAY_SESSION_FILE")
	setStr(&c.Contacts.CountryCode, "MSGRELAY_COUNTRY_CODE")
	setStr(&c.Webhook.URL, "MSGRELAY_WEBHOOK_URL")
	setStr(&c.Webhook.Secret, "MSGRELAY_WEBHOOK_SECRET")
	setStr(&c.Auth.User, "MSGRELAY_AUTH_USER")
	setStr(&c.Auth.PasswordHash, "MSGRELAY_AUTH_PASSWORD_HASH")
	setBool(&c.Browser.Headless, "MSGRELAY_HEADLESS")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func (c *Config) validate() error {
	if c.Session.MaxAttempts < 1 {
		return fmt.Errorf("config: session.max_attempts must be >= 1, got %d", c.Session.MaxAttempts)
	}
	if c.Session.BackupKeep < 0 {
		return fmt.Errorf("config: session.backup_keep must be >= 0, got %d", c.Session.BackupKeep)
	}
	if c.Contacts.CacheTTL <= 0 {
		return fmt.Errorf("config: contacts.cache_ttl must be positive, got %v", c.Contacts.CacheTTL)
	}
	return nil
}
