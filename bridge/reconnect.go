package bridge

import (
	"context"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/msgrelay/clock"
)

// Recovery tuning defaults.
const (
	defaultMaxAttempts   = 5
	defaultBaseDelay     = 5 * time.Second
	defaultMaxDelay      = 30 * time.Second
	defaultProbes        = 3
	defaultProbeInterval = 2 * time.Second
)

// reconnector recovers a lost session: bounded attempts, exponential backoff
// with jitter, liveness validation, then FIFO drain of the gated queue.
// Single-flight: a trigger while a run is in progress is a no-op.
type reconnector struct {
	m *Manager

	running  atomic.Bool
	attempts atomic.Int32

	maxAttempts   int
	baseDelay     time.Duration
	maxDelay      time.Duration
	probes        int
	probeInterval time.Duration
	jitter        func() time.Duration

	clk clock.Clock
	log *slog.Logger
}

func newReconnector(m *Manager, clk clock.Clock, log *slog.Logger) *reconnector {
	return &reconnector{
		m:             m,
		maxAttempts:   defaultMaxAttempts,
		baseDelay:     defaultBaseDelay,
		maxDelay:      defaultMaxDelay,
		probes:        defaultProbes,
		probeInterval: defaultProbeInterval,
		jitter:        func() time.Duration { return time.Duration(rand.Intn(1000)) * time.Millisecond },
		clk:           clk,
		log:           log,
	}
}

// trigger starts a recovery run unless one is already in flight.
func (r *reconnector) trigger() {
	if !r.running.CompareAndSwap(false, true) {
		r.log.Debug("recovery already in progress, trigger ignored")
		return
	}
	go r.run(r.m.baseCtx)
}

// finish releases the single-flight slot. A loss reported while the previous
// run was settling leaves the gate in queueing mode with its trigger ignored;
// re-triggering here keeps those queued operations from being stranded.
func (r *reconnector) finish() {
	r.running.Store(false)
	if r.m.gate.Reconnecting() {
		r.trigger()
	}
}

func (r *reconnector) run(ctx context.Context) {
	defer r.finish()

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		r.attempts.Store(int32(attempt))
		delay := r.delay(attempt)
		r.log.Info("recovery attempt scheduled", "attempt", attempt, "max", r.maxAttempts, "delay", delay)

		select {
		case <-r.clk.After(delay):
		case <-ctx.Done():
			r.m.recoveryFailed(ctx.Err())
			return
		}

		sess, err := r.m.rebuildSession(ctx)
		if err != nil {
			r.log.Warn("session rebuild failed", "attempt", attempt, "error", err)
			continue
		}

		if r.validate(ctx, sess) {
			r.log.Info("recovery validated", "attempt", attempt)
			r.m.adoptSession(sess)
			return
		}

		r.log.Warn("recovery validation failed", "attempt", attempt)
		if err := sess.Close(ctx); err != nil {
			r.log.Debug("closing unvalidated session", "error", err)
		}
	}

	r.m.recoveryFailed(ErrReconnectionExhausted)
}

// delay computes min(base * 2^(attempt-1), max) plus jitter.
func (r *reconnector) delay(attempt int) time.Duration {
	d := r.baseDelay << (attempt - 1)
	if d > r.maxDelay || d <= 0 {
		d = r.maxDelay
	}
	return d + r.jitter()
}

// validate probes the fresh handle for liveness. A probe passes when Ping
// succeeds with a non-empty status; the first pass wins.
func (r *reconnector) validate(ctx context.Context, s Session) bool {
	for probe := 1; probe <= r.probes; probe++ {
		status, err := s.Ping(ctx)
		if err == nil && status != "" {
			return true
		}
		r.log.Debug("liveness probe failed", "probe", probe, "status", status, "error", err)
		if probe < r.probes {
			select {
			case <-r.clk.After(r.probeInterval):
			case <-ctx.Done():
				return false
			}
		}
	}
	return false
}

func (r *reconnector) reset() { r.attempts.Store(0) }
