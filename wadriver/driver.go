// Package wadriver implements the bridge session against WhatsApp Web with a
// stealth headless browser. It drives the page like a linked device: QR
// pairing, localStorage-based session restore, DOM scraping for chats and
// messages, and keyboard-driven sends.
package wadriver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/msgrelay/bridge"
)

const (
	defaultURL          = "https://web.whatsapp.com"
	defaultPollInterval = time.Second
	defaultNavTimeout   = 60 * time.Second

	// consecutive phase-poll failures before the session declares an error
	maxPollFailures = 3
)

// page selectors; WhatsApp Web ships stable data-ref and pane ids even as
// class names churn.
const (
	selQRCode     = `div[data-ref]`
	selChatPane   = `#pane-side`
	selAppShell   = `#app div.two`
	selSearchBox  = `div[contenteditable="true"][data-tab="3"]`
	selComposer   = `div[contenteditable="true"][data-tab="10"]`
	selNewChatBtn = `div[title="New chat"]`
)

// Config configures the browser session.
type Config struct {
	// URL overrides the target origin. Default: https://web.whatsapp.com.
	URL string

	// Headless runs the browser without a display. Default in production.
	Headless bool

	// UserDataDir persists the browser profile between launches. Empty uses
	// a throwaway profile; session continuity then relies entirely on the
	// exported localStorage blob.
	UserDataDir string

	// NavTimeout caps the initial navigation. Default: 60s.
	NavTimeout time.Duration

	// PollInterval is the page phase sampling rate. Default: 1s.
	PollInterval time.Duration
}

func (c *Config) defaults() {
	if c.URL == "" {
		c.URL = defaultURL
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = defaultNavTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
}

// NewFactory returns a bridge.Factory that builds one Driver per call,
// restoring from whatever blob loadBlob returns at that moment. loadBlob
// errors are not fatal; the session falls back to QR pairing.
func NewFactory(cfg Config, log *slog.Logger, loadBlob func() ([]byte, error)) bridge.Factory {
	cfg.defaults()
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return func(ctx context.Context) (bridge.Session, error) {
		var restore []byte
		if loadBlob != nil {
			blob, err := loadBlob()
			if err != nil {
				log.Warn("session blob unavailable, pairing fresh", "error", err)
			} else {
				restore = blob
			}
		}
		return &Driver{
			cfg:     cfg,
			log:     log,
			restore: restore,
			events:  make(chan bridge.Event, 16),
		}, nil
	}
}

// Driver is one live browser session. It satisfies bridge.Session.
type Driver struct {
	cfg     Config
	log     *slog.Logger
	restore []byte
	events  chan bridge.Event

	mu        sync.Mutex
	lnch      *launcher.Launcher
	browser   *rod.Browser
	page      *rod.Page
	watchStop context.CancelFunc
	closed    bool
}

// Start launches the browser, restores the stored session into
// localStorage when present, navigates to the web client and begins phase
// watching. Lifecycle progress is reported on Events.
func (d *Driver) Start(ctx context.Context) error {
	l := launcher.New().
		Headless(d.cfg.Headless).
		Set("disable-blink-features", "AutomationControlled")
	if d.cfg.UserDataDir != "" {
		l = l.UserDataDir(d.cfg.UserDataDir)
	}

	wsURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("wadriver: launch: %w", err)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return fmt.Errorf("wadriver: connect: %w", err)
	}

	page, err := stealth.Page(b)
	if err != nil {
		b.Close()
		l.Cleanup()
		return fmt.Errorf("wadriver: stealth page: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, d.cfg.NavTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(d.cfg.URL); err != nil {
		page.Close()
		b.Close()
		l.Cleanup()
		return fmt.Errorf("wadriver: navigate: %w", err)
	}

	if len(d.restore) > 0 {
		if err := injectLocalStorage(navCtx, page, d.restore); err != nil {
			d.log.Warn("session restore injection failed, pairing fresh", "error", err)
		} else if err := page.Context(navCtx).Navigate(d.cfg.URL); err != nil {
			d.log.Warn("post-restore reload failed", "error", err)
		}
	}

	if err := page.Context(navCtx).WaitLoad(); err != nil {
		d.log.Warn("page load wait timed out", "error", err)
	}

	watchCtx, stop := context.WithCancel(context.Background())
	d.mu.Lock()
	d.lnch = l
	d.browser = b
	d.page = page
	d.watchStop = stop
	d.mu.Unlock()

	go d.watch(watchCtx)
	return nil
}

// Events reports lifecycle transitions observed on the page.
func (d *Driver) Events() <-chan bridge.Event { return d.events }

// pagePhase is the JSON the phase probe returns.
type pagePhase struct {
	Phase string `json:"phase"`
	QR    string `json:"qr"`
}

const phaseProbe = `() => {
	const qr = document.querySelector('` + selQRCode + `');
	if (qr) return JSON.stringify({phase: 'qr', qr: qr.getAttribute('data-ref') || ''});
	if (document.querySelector('` + selChatPane + `')) return JSON.stringify({phase: 'ready'});
	if (document.querySelector('` + selAppShell + `')) return JSON.stringify({phase: 'authenticated'});
	return JSON.stringify({phase: 'loading'});
}`

// watch polls the page phase and converts changes into lifecycle events.
func (d *Driver) watch(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	var (
		lastPhase     string
		lastQR        string
		authenticated bool
		failures      int
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		phase, err := d.probePhase(ctx)
		if err != nil {
			failures++
			if failures >= maxPollFailures {
				d.emit(ctx, bridge.Event{Type: bridge.EventError, Err: fmt.Errorf("wadriver: page unresponsive: %w", err)})
				return
			}
			continue
		}
		failures = 0

		// a logged-in page falling back to the QR screen means the account
		// unlinked this device
		if authenticated && phase.Phase == "qr" {
			d.emit(ctx, bridge.Event{Type: bridge.EventDisconnected, Reason: bridge.ReasonLogout})
			return
		}

		switch phase.Phase {
		case "qr":
			if phase.QR != lastQR {
				lastQR = phase.QR
				d.emit(ctx, bridge.Event{Type: bridge.EventQR, QR: phase.QR})
			}
		case "authenticated":
			if !authenticated {
				authenticated = true
				d.emit(ctx, bridge.Event{Type: bridge.EventAuthenticated})
			}
		case "ready":
			if !authenticated {
				authenticated = true
				d.emit(ctx, bridge.Event{Type: bridge.EventAuthenticated})
			}
			if lastPhase != "ready" {
				d.emit(ctx, bridge.Event{Type: bridge.EventReady})
			}
		case "loading":
			if authenticated && lastPhase == "ready" {
				d.emit(ctx, bridge.Event{Type: bridge.EventDisconnected, Reason: "transport"})
				return
			}
		}
		lastPhase = phase.Phase
	}
}

func (d *Driver) probePhase(ctx context.Context) (pagePhase, error) {
	page := d.currentPage()
	if page == nil {
		return pagePhase{}, fmt.Errorf("wadriver: no page")
	}
	res, err := page.Context(ctx).Eval(phaseProbe)
	if err != nil {
		return pagePhase{}, err
	}
	var p pagePhase
	if err := json.Unmarshal([]byte(res.Value.Str()), &p); err != nil {
		return pagePhase{}, fmt.Errorf("wadriver: phase decode: %w", err)
	}
	return p, nil
}

func (d *Driver) emit(ctx context.Context, ev bridge.Event) {
	select {
	case d.events <- ev:
	case <-ctx.Done():
	}
}

// Ping reports the page phase as the liveness status. An unresponsive page
// yields an error; a responsive one a non-empty phase string.
func (d *Driver) Ping(ctx context.Context) (string, error) {
	phase, err := d.probePhase(ctx)
	if err != nil {
		return "", err
	}
	return phase.Phase, nil
}

// SendText opens the conversation and types the message.
func (d *Driver) SendText(ctx context.Context, to, body string) error {
	page := d.currentPage()
	if page == nil {
		return fmt.Errorf("wadriver: no page")
	}
	if err := d.openConversation(ctx, to); err != nil {
		return err
	}

	composer, err := page.Context(ctx).Element(selComposer)
	if err != nil {
		return fmt.Errorf("wadriver: composer not found: %w", err)
	}
	if err := composer.Input(body); err != nil {
		return fmt.Errorf("wadriver: type message: %w", err)
	}
	if err := page.Keyboard.Press(input.Enter); err != nil {
		return fmt.Errorf("wadriver: send: %w", err)
	}
	return nil
}

// SendMedia attaches files to the open conversation.
func (d *Driver) SendMedia(ctx context.Context, to string, files []bridge.MediaFile, opts bridge.MediaOptions) error {
	page := d.currentPage()
	if page == nil {
		return fmt.Errorf("wadriver: no page")
	}
	if err := d.openConversation(ctx, to); err != nil {
		return err
	}

	for _, f := range files {
		payload, err := json.Marshal(map[string]string{
			"name": f.Name,
			"mime": f.MIME,
			"data": base64.StdEncoding.EncodeToString(f.Data),
		})
		if err != nil {
			return fmt.Errorf("wadriver: encode attachment: %w", err)
		}
		if _, err := page.Context(ctx).Eval(attachScript, string(payload)); err != nil {
			return fmt.Errorf("wadriver: attach %s: %w", f.Name, err)
		}
	}

	if opts.Caption != "" {
		composer, err := page.Context(ctx).Element(selComposer)
		if err == nil {
			composer.Input(opts.Caption)
		}
	}
	if err := page.Keyboard.Press(input.Enter); err != nil {
		return fmt.Errorf("wadriver: send media: %w", err)
	}
	return nil
}

// attachScript feeds a synthetic File into the hidden attachment input,
// which is how the web client accepts drops.
const attachScript = `(payload) => {
	const spec = JSON.parse(payload);
	const bytes = Uint8Array.from(atob(spec.data), c => c.charCodeAt(0));
	const file = new File([bytes], spec.name, {type: spec.mime});
	const dt = new DataTransfer();
	dt.items.add(file);
	const inp = document.querySelector('input[type="file"]');
	if (!inp) throw new Error('no attachment input');
	inp.files = dt.files;
	inp.dispatchEvent(new Event('change', {bubbles: true}));
}`

// Chats scrapes the conversation pane.
func (d *Driver) Chats(ctx context.Context) ([]bridge.Chat, error) {
	src, err := d.pageHTML(ctx)
	if err != nil {
		return nil, err
	}
	return ParseChatList(src)
}

// Messages opens the conversation and scrapes its message history.
func (d *Driver) Messages(ctx context.Context, chatID string, limit int) ([]bridge.ChatMessage, error) {
	if err := d.openConversation(ctx, chatID); err != nil {
		return nil, err
	}
	src, err := d.pageHTML(ctx)
	if err != nil {
		return nil, err
	}
	msgs, err := ParseMessages(src, chatID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Contacts opens the new-chat drawer and scrapes the address book.
func (d *Driver) Contacts(ctx context.Context) ([]bridge.Contact, error) {
	page := d.currentPage()
	if page == nil {
		return nil, fmt.Errorf("wadriver: no page")
	}

	btn, err := page.Context(ctx).Element(selNewChatBtn)
	if err != nil {
		return nil, fmt.Errorf("wadriver: new chat button: %w", err)
	}
	if err := btn.Click("left", 1); err != nil {
		return nil, fmt.Errorf("wadriver: open contact drawer: %w", err)
	}

	src, err := d.pageHTML(ctx)
	if err != nil {
		return nil, err
	}
	contacts, err := ParseContactDrawer(src)

	// close the drawer regardless of the parse outcome
	if kerr := page.Keyboard.Press(input.Escape); kerr != nil {
		d.log.Debug("closing contact drawer", "error", kerr)
	}
	return contacts, err
}

// DownloadMedia collects up to count recent attachments from a conversation
// as base64 via the page's blob URLs.
func (d *Driver) DownloadMedia(ctx context.Context, chatID string, count int) ([]bridge.MediaFile, error) {
	page := d.currentPage()
	if page == nil {
		return nil, fmt.Errorf("wadriver: no page")
	}
	if err := d.openConversation(ctx, chatID); err != nil {
		return nil, err
	}

	res, err := page.Context(ctx).Eval(collectMediaScript, count)
	if err != nil {
		return nil, fmt.Errorf("wadriver: collect media: %w", err)
	}

	var items []struct {
		Name string `json:"name"`
		MIME string `json:"mime"`
		Data string `json:"data"`
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), &items); err != nil {
		return nil, fmt.Errorf("wadriver: media decode: %w", err)
	}

	files := make([]bridge.MediaFile, 0, len(items))
	for _, it := range items {
		data, err := base64.StdEncoding.DecodeString(it.Data)
		if err != nil {
			d.log.Warn("skipping undecodable attachment", "name", it.Name, "error", err)
			continue
		}
		files = append(files, bridge.MediaFile{Name: it.Name, MIME: it.MIME, Data: data})
	}
	return files, nil
}

const collectMediaScript = `async (count) => {
	const imgs = Array.from(document.querySelectorAll('img[src^="blob:"]')).slice(-count);
	const out = [];
	for (const img of imgs) {
		const resp = await fetch(img.src);
		const blob = await resp.blob();
		const data = await new Promise(resolve => {
			const reader = new FileReader();
			reader.onload = () => resolve(reader.result.split(',')[1]);
			reader.readAsDataURL(blob);
		});
		out.push({name: 'media-' + out.length, mime: blob.type, data});
	}
	return JSON.stringify(out);
}`

// GroupInviteLink opens the group's info panel and reads the invite link.
func (d *Driver) GroupInviteLink(ctx context.Context, groupID string) (string, error) {
	page := d.currentPage()
	if page == nil {
		return "", fmt.Errorf("wadriver: no page")
	}
	if err := d.openConversation(ctx, groupID); err != nil {
		return "", err
	}

	res, err := page.Context(ctx).Eval(`() => {
		const a = document.querySelector('a[href*="chat.whatsapp.com"]');
		return a ? a.href : '';
	}`)
	if err != nil {
		return "", fmt.Errorf("wadriver: invite link: %w", err)
	}
	link := res.Value.Str()
	if link == "" {
		return "", fmt.Errorf("wadriver: no invite link visible for %s", groupID)
	}
	return link, nil
}

// ExportState serializes the page's localStorage, which carries the linked
// device credentials.
func (d *Driver) ExportState(ctx context.Context) ([]byte, error) {
	page := d.currentPage()
	if page == nil {
		return nil, fmt.Errorf("wadriver: no page")
	}
	res, err := page.Context(ctx).Eval(`() => JSON.stringify(Object.assign({}, localStorage))`)
	if err != nil {
		return nil, fmt.Errorf("wadriver: export state: %w", err)
	}
	return []byte(res.Value.Str()), nil
}

// Close tears the browser down. Idempotent.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	if d.watchStop != nil {
		d.watchStop()
	}
	if d.page != nil {
		d.page.Close()
		d.page = nil
	}
	if d.browser != nil {
		d.browser.Close()
		d.browser = nil
	}
	if d.lnch != nil {
		d.lnch.Cleanup()
		d.lnch = nil
	}
	return nil
}

// openConversation finds the chat via the search box and opens it.
func (d *Driver) openConversation(ctx context.Context, id string) error {
	page := d.currentPage()
	if page == nil {
		return fmt.Errorf("wadriver: no page")
	}

	box, err := page.Context(ctx).Element(selSearchBox)
	if err != nil {
		return fmt.Errorf("wadriver: search box: %w", err)
	}
	if err := box.Click("left", 1); err != nil {
		return fmt.Errorf("wadriver: focus search: %w", err)
	}
	if err := box.SelectAllText(); err == nil {
		page.Keyboard.Press(input.Backspace)
	}
	if err := box.Input(searchTerm(id)); err != nil {
		return fmt.Errorf("wadriver: type search: %w", err)
	}
	if err := page.Keyboard.Press(input.Enter); err != nil {
		return fmt.Errorf("wadriver: open conversation: %w", err)
	}
	return nil
}

func (d *Driver) pageHTML(ctx context.Context) (string, error) {
	page := d.currentPage()
	if page == nil {
		return "", fmt.Errorf("wadriver: no page")
	}
	src, err := page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("wadriver: page html: %w", err)
	}
	return src, nil
}

func (d *Driver) currentPage() *rod.Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.page
}

// injectLocalStorage writes the exported key/value blob into the page's
// localStorage before the client boots.
func injectLocalStorage(ctx context.Context, page *rod.Page, blob []byte) error {
	var kv map[string]string
	if err := json.Unmarshal(blob, &kv); err != nil {
		return fmt.Errorf("wadriver: blob decode: %w", err)
	}
	payload, err := json.Marshal(kv)
	if err != nil {
		return err
	}
	_, err = page.Context(ctx).Eval(`(payload) => {
		const kv = JSON.parse(payload);
		for (const [k, v] of Object.entries(kv)) localStorage.setItem(k, v);
	}`, string(payload))
	return err
}
