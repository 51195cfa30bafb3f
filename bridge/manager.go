package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/msgrelay/clock"
)

// SessionStorage persists the opaque session blob. Implemented by the
// sessionstore package; kept as an interface so manager tests run in memory.
type SessionStorage interface {
	Save(payload []byte) error
	Load() ([]byte, error)
	Invalidate() error
}

// ContactCache is the slice of the contact resolver the lifecycle needs:
// entering Ready and invalidating a session both flush it.
type ContactCache interface {
	Clear()
}

// WebhookFunc delivers a lifecycle event to an external URL.
type WebhookFunc func(url string, ev Event)

// Manager owns the single session handle and its State. Inbound driver
// events flow through Transition; effects are applied here. All outward
// operations go through the embedded Gate.
type Manager struct {
	mu       sync.Mutex
	state    State
	session  Session
	haveBlob bool
	pumpStop context.CancelFunc

	factory Factory
	store   SessionStorage
	cache   ContactCache
	gate    *Gate
	rec     *reconnector
	clk     clock.Clock
	log     *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	restoreTimeout time.Duration
	onQR           func(code string)
	notify         WebhookFunc
	webhookURL     atomic.Value
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger. Default: discard.
func WithLogger(log *slog.Logger) Option { return func(m *Manager) { m.log = log } }

// WithClock injects the time source used for backoff and probing.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clk = c } }

// WithContactCache wires the resolver cache so lifecycle events can flush it.
func WithContactCache(c ContactCache) Option { return func(m *Manager) { m.cache = c } }

// WithQRHandler sets the callback invoked with each emitted pairing code.
func WithQRHandler(f func(code string)) Option { return func(m *Manager) { m.onQR = f } }

// WithWebhookNotifier sets the delivery function for SetWebhook subscribers.
func WithWebhookNotifier(f WebhookFunc) Option { return func(m *Manager) { m.notify = f } }

// WithMaxAttempts bounds the recovery loop. Default: 5.
func WithMaxAttempts(n int) Option { return func(m *Manager) { m.rec.maxAttempts = n } }

// WithBackoff sets the base and cap of the recovery delay. Defaults: 5s, 30s.
func WithBackoff(base, max time.Duration) Option {
	return func(m *Manager) {
		m.rec.baseDelay = base
		m.rec.maxDelay = max
	}
}

// WithProbing sets the liveness probe count and spacing. Defaults: 3, 2s.
func WithProbing(probes int, interval time.Duration) Option {
	return func(m *Manager) {
		m.rec.probes = probes
		m.rec.probeInterval = interval
	}
}

// WithJitter overrides the backoff jitter source. Tests pass a fixed value.
func WithJitter(f func() time.Duration) Option { return func(m *Manager) { m.rec.jitter = f } }

// WithRestoreTimeout caps how long a single session bring-up may take, both
// on Connect and on each recovery rebuild. Default: 30s.
func WithRestoreTimeout(d time.Duration) Option { return func(m *Manager) { m.restoreTimeout = d } }

// NewManager builds a Manager around a session factory and blob storage.
func NewManager(factory Factory, store SessionStorage, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		state:          StateUninitialized,
		factory:        factory,
		store:          store,
		cache:          noopCache{},
		clk:            clock.Real(),
		log:            slog.New(slog.DiscardHandler),
		baseCtx:        ctx,
		baseCancel:     cancel,
		restoreTimeout: 30 * time.Second,
	}
	m.rec = newReconnector(m, m.clk, m.log)
	for _, o := range opts {
		o(m)
	}
	// options may have replaced the clock or logger after rec was built
	m.rec.clk = m.clk
	m.rec.log = m.log
	m.gate = NewGate(m.log, m.clk.Now)
	return m
}

type noopCache struct{}

func (noopCache) Clear() {}

// Connect brings the session up from StateUninitialized. A stored blob, if
// any, is restored under the restore ceiling; a missing or unreadable blob
// is not fatal and routes to the pairing flow instead.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateUninitialized {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("bridge: connect: already %s", st)
	}
	m.mu.Unlock()

	blob, err := m.store.Load()
	if err != nil {
		m.log.Warn("session load failed, treating as absent", "error", err)
		blob = nil
	}
	m.setHaveBlob(len(blob) > 0)

	m.applyEvent(Event{Type: EventInitialize})

	cctx, cancel := context.WithTimeout(ctx, m.restoreTimeout)
	defer cancel()

	sess, err := m.factory(cctx)
	if err != nil {
		m.applyEvent(Event{Type: EventError, Err: err})
		return fmt.Errorf("bridge: connect: %w", err)
	}
	if err := sess.Start(cctx); err != nil {
		_ = sess.Close(ctx)
		m.applyEvent(Event{Type: EventError, Err: err})
		return fmt.Errorf("bridge: connect: start: %w", err)
	}

	m.attach(sess)
	return nil
}

// Reconnect forces a recovery cycle, as if the driver reported an error.
func (m *Manager) Reconnect() {
	m.applyEvent(Event{Type: EventError, Err: fmt.Errorf("manual reconnect requested")})
}

// Teardown shuts the session down. It aborts any running recovery, waits for
// it to settle, and leaves the gate in cleaning mode so late operations fail
// with ErrCleanupInProgress until EndCleanup (normally never, on shutdown).
func (m *Manager) Teardown(ctx context.Context) error {
	m.baseCancel()
	m.gate.BeginCleanup()

	m.mu.Lock()
	sess := m.session
	m.session = nil
	if m.pumpStop != nil {
		m.pumpStop()
		m.pumpStop = nil
	}
	m.state = StateUninitialized
	m.mu.Unlock()

	if sess != nil {
		if err := sess.Close(ctx); err != nil {
			return fmt.Errorf("bridge: teardown: %w", err)
		}
	}
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetWebhook points lifecycle event delivery at url. An empty url disables
// delivery.
func (m *Manager) SetWebhook(url string) {
	m.webhookURL.Store(url)
}

// HealthStatus is the snapshot returned by Health.
type HealthStatus struct {
	State        string `json:"state"`
	Reconnecting bool   `json:"reconnecting"`
	Attempt      int    `json:"attempt"`
	QueueDepth   int    `json:"queue_depth"`
	HaveSession  bool   `json:"have_session"`
}

// Health reports the lifecycle snapshot without touching the session handle.
func (m *Manager) Health() HealthStatus {
	m.mu.Lock()
	st := m.state
	have := m.haveBlob
	m.mu.Unlock()
	return HealthStatus{
		State:        st.String(),
		Reconnecting: m.gate.Reconnecting(),
		Attempt:      int(m.rec.attempts.Load()),
		QueueDepth:   m.gate.QueueDepth(),
		HaveSession:  have,
	}
}

// attach installs a session handle and starts its event pump.
func (m *Manager) attach(sess Session) {
	m.mu.Lock()
	if m.pumpStop != nil {
		m.pumpStop()
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	m.session = sess
	m.pumpStop = cancel
	m.mu.Unlock()

	go m.pump(ctx, sess)
}

func (m *Manager) pump(ctx context.Context, sess Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sess.Events():
			if !ok {
				return
			}
			m.applyEvent(ev)
		}
	}
}

// applyEvent runs one event through the transition table and applies the
// resulting effects.
func (m *Manager) applyEvent(ev Event) {
	m.mu.Lock()
	prev := m.state
	next, effects := Transition(m.state, ev, m.haveBlob)
	m.state = next
	m.mu.Unlock()

	if prev != next {
		m.log.Info("state transition", "from", prev.String(), "to", next.String(), "event", ev.Type.String())
	}
	for _, ef := range effects {
		m.applyEffect(ef, ev)
	}
	m.publish(ev)
}

func (m *Manager) applyEffect(ef Effect, ev Event) {
	switch ef {
	case EffectEmitQR:
		m.log.Info("pairing code received, scan required")
		if m.onQR != nil {
			m.onQR(ev.QR)
		}

	case EffectIgnoreQR:
		m.log.Debug("pairing code ignored, stored session exists")

	case EffectInvalidateSession:
		if err := m.store.Invalidate(); err != nil {
			m.log.Error("session invalidation failed", "error", err)
		}
		m.setHaveBlob(false)
		m.cache.Clear()
		m.log.Info("session invalidated after logout, re-pairing required")

	case EffectEnterReady:
		m.rec.reset()
		m.cache.Clear()
		m.persistSession()

	case EffectStartRecovery:
		m.log.Warn("connection lost, starting recovery", "reason", ev.Reason, "error", ev.Err)
		m.gate.startRecovery()
		m.rec.trigger()
	}
}

// persistSession exports the authenticated session and writes it to storage.
func (m *Manager) persistSession() {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		return
	}

	blob, err := sess.ExportState(m.baseCtx)
	if err != nil {
		m.log.Error("session export failed", "error", err)
		return
	}
	if err := m.store.Save(blob); err != nil {
		m.log.Error("session persist failed", "error", err)
		return
	}
	m.setHaveBlob(true)
	m.log.Info("session persisted", "bytes", len(blob))
}

func (m *Manager) setHaveBlob(v bool) {
	m.mu.Lock()
	m.haveBlob = v
	m.mu.Unlock()
}

// rebuildSession tears down the broken handle best-effort and constructs a
// started fresh one. Called only from the recovery loop.
func (m *Manager) rebuildSession(ctx context.Context) (Session, error) {
	m.mu.Lock()
	old := m.session
	m.session = nil
	if m.pumpStop != nil {
		m.pumpStop()
		m.pumpStop = nil
	}
	m.mu.Unlock()

	if old != nil {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := old.Close(cctx); err != nil {
			m.log.Debug("closing broken session", "error", err)
		}
		cancel()
	}

	m.applyEvent(Event{Type: EventInitialize})

	rctx, rcancel := context.WithTimeout(ctx, m.restoreTimeout)
	defer rcancel()

	sess, err := m.factory(rctx)
	if err != nil {
		return nil, err
	}
	if err := sess.Start(rctx); err != nil {
		_ = sess.Close(ctx)
		return nil, err
	}
	return sess, nil
}

// adoptSession installs a validated recovered handle and drains the queue.
// The gate flag clears before the drain, so operations arriving mid-drain
// execute immediately rather than joining the old queue.
func (m *Manager) adoptSession(sess Session) {
	m.attach(sess)
	ops := m.gate.finishRecovery()
	m.gate.drain(ops)
}

// recoveryFailed moves to StateFatal and rejects everything still queued.
func (m *Manager) recoveryFailed(cause error) {
	m.mu.Lock()
	m.state = StateFatal
	m.mu.Unlock()

	m.log.Error("recovery abandoned", "error", cause)
	m.gate.failRecovery(cause)
	m.publish(Event{Type: EventError, Err: cause})
}

func (m *Manager) publish(ev Event) {
	if m.notify == nil {
		return
	}
	url, _ := m.webhookURL.Load().(string)
	if url == "" {
		return
	}
	go m.notify(url, ev)
}

func (m *Manager) currentSession() (Session, State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, m.state
}
