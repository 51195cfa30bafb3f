// Command msgrelay runs the unified messaging relay: a browser-driven
// WhatsApp session behind a recovering bridge, mocked Telegram and Discord
// channels, and a REST API over the whole dashboard.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/msgrelay/bridge"
	"github.com/hazyhaar/msgrelay/channels"
	"github.com/hazyhaar/msgrelay/config"
	"github.com/hazyhaar/msgrelay/contacts"
	"github.com/hazyhaar/msgrelay/httpapi"
	"github.com/hazyhaar/msgrelay/schedule"
	"github.com/hazyhaar/msgrelay/sessionstore"
	"github.com/hazyhaar/msgrelay/wadriver"
)

func main() {
	cfg, err := config.Load(env("MSGRELAY_CONFIG", "msgrelay.yaml"))
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Channel registry DB.
	db, err := channels.OpenDB(cfg.Registry)
	if err != nil {
		slog.Error("registry db", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := channels.Init(db); err != nil {
		slog.Error("registry init", "error", err)
		os.Exit(1)
	}

	// Session blob storage.
	store := sessionstore.New(cfg.Session.File,
		sessionstore.WithKeep(cfg.Session.BackupKeep),
		sessionstore.WithLogger(logger))

	// Browser-backed session factory.
	factory := wadriver.NewFactory(wadriver.Config{
		Headless:    cfg.Browser.Headless,
		UserDataDir: cfg.Browser.UserDataDir,
		NavTimeout:  cfg.Browser.NavTimeout,
	}, logger, store.Load)

	// Webhook notifier.
	notifier := channels.NewNotifier(cfg.Webhook.Secret,
		channels.WithNotifierLogger(logger))

	// The resolver lists contacts through the manager; the manager flushes
	// the resolver cache on lifecycle transitions. The lazy lister breaks
	// the construction cycle.
	lister := &lazyLister{}
	resolver := contacts.NewResolver(lister, cfg.Contacts.CountryCode,
		contacts.WithTTL(cfg.Contacts.CacheTTL),
		contacts.WithLogger(logger))

	mgr := bridge.NewManager(factory, store,
		bridge.WithLogger(logger),
		bridge.WithContactCache(resolver),
		bridge.WithMaxAttempts(cfg.Session.MaxAttempts),
		bridge.WithBackoff(cfg.Session.BaseDelay, cfg.Session.MaxDelay),
		bridge.WithWebhookNotifier(notifier.BridgeHook()),
		bridge.WithQRHandler(func(code string) {
			slog.Info("scan the pairing code from the dashboard", "qr", code)
		}))
	lister.m = mgr
	if cfg.Webhook.URL != "" {
		mgr.SetWebhook(cfg.Webhook.URL)
	}

	// Scheduled sends survive restarts in a flat JSON file next to the
	// session blob. Addresses are canonical by the time they land here.
	sched := schedule.New(filepath.Join(cfg.DataDir, "scheduled.json"),
		func(ctx context.Context, to, body string) error {
			return mgr.SendMessage(ctx, to, body)
		},
		schedule.WithLogger(logger))
	if err := sched.Start(); err != nil {
		slog.Error("schedule start", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	// Channel hub: the real bridge plus mocked platforms, driven by the
	// registry table.
	hub := channels.NewHub(channels.WithLogger(logger))
	hub.RegisterPlatform("whatsapp", channels.WhatsAppFactory(mgr))
	hub.RegisterPlatform("telegram", channels.TelegramFactory())
	hub.RegisterPlatform("discord", channels.DiscordFactory())
	defer hub.Close()

	if err := seedChannels(ctx, db); err != nil {
		slog.Error("seed channels", "error", err)
		os.Exit(1)
	}
	go hub.Watch(ctx, db, 2*time.Second)

	// Bring the session up in the background; pairing may take a while and
	// the API must serve health checks meanwhile.
	go func() {
		if err := mgr.Connect(ctx); err != nil {
			slog.Error("session connect", "error", err)
		}
	}()

	api := httpapi.NewServer(mgr, resolver, sched, hub,
		httpapi.WithLogger(logger),
		httpapi.WithChannelAdmin(channels.NewAdmin(db)),
		httpapi.WithBasicAuth(cfg.Auth.User, cfg.Auth.PasswordHash))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	if err := mgr.Teardown(shutdownCtx); err != nil {
		slog.Error("bridge teardown", "error", err)
	}
	slog.Info("server stopped")
}

// lazyLister defers the manager reference until after construction.
type lazyLister struct {
	m *bridge.Manager
}

func (l *lazyLister) ListContacts(ctx context.Context) ([]bridge.Contact, error) {
	return l.m.ListContacts(ctx)
}

// seedChannels installs the default registry rows on first boot: the real
// WhatsApp channel plus one mocked channel per platform.
func seedChannels(ctx context.Context, db *sql.DB) error {
	admin := channels.NewAdmin(db)
	for _, seed := range []struct {
		name, platform string
	}{
		{"whatsapp", "whatsapp"},
		{"telegram", "telegram"},
		{"discord", "discord"},
	} {
		row, err := admin.Get(ctx, seed.name)
		if err != nil {
			return err
		}
		if row != nil {
			continue
		}
		if err := admin.Upsert(ctx, seed.name, seed.platform, true, nil); err != nil {
			return err
		}
		slog.Info("channel seeded", "name", seed.name, "platform", seed.platform)
	}
	return nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
