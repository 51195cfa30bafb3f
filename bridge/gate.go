package bridge

import (
	"log/slog"
	"sync"
	"time"
)

// Gate is the single choke point every outward operation passes through.
// While a cleanup runs it rejects; while a recovery runs it queues; otherwise
// it executes immediately.
type Gate struct {
	mu           sync.Mutex
	notCleaning  *sync.Cond
	reconnecting bool
	cleaning     bool
	queue        []*pendingOp

	log *slog.Logger
	now func() time.Time
}

type pendingOp struct {
	name       string
	run        func() (any, error)
	result     chan opResult
	enqueuedAt time.Time
}

type opResult struct {
	value any
	err   error
}

// NewGate builds a Gate. A nil logger disables logging.
func NewGate(log *slog.Logger, now func() time.Time) *Gate {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if now == nil {
		now = time.Now
	}
	g := &Gate{log: log, now: now}
	g.notCleaning = sync.NewCond(&g.mu)
	return g
}

// Do routes one operation through the gate. During cleanup the call fails
// with ErrCleanupInProgress; during recovery it is queued and the caller
// blocks until the queue is drained or recovery exhausts. There is no
// cancellation for a queued operation: once enqueued it resolves or is
// rejected exactly once.
func (g *Gate) Do(name string, fn func() (any, error)) (any, error) {
	g.mu.Lock()
	if g.cleaning {
		g.mu.Unlock()
		return nil, &OpError{Op: name, Cause: ErrCleanupInProgress}
	}
	if g.reconnecting {
		op := &pendingOp{
			name:       name,
			run:        fn,
			result:     make(chan opResult, 1),
			enqueuedAt: g.now(),
		}
		g.queue = append(g.queue, op)
		depth := len(g.queue)
		g.mu.Unlock()
		g.log.Info("operation queued during recovery", "op", name, "queue_depth", depth)
		res := <-op.result
		return res.value, res.err
	}
	g.mu.Unlock()

	return fn()
}

// Call is a typed wrapper over Gate.Do.
func Call[T any](g *Gate, name string, fn func() (T, error)) (T, error) {
	v, err := g.Do(name, func() (any, error) { return fn() })
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// startRecovery flips the gate into queueing mode. Idempotent.
func (g *Gate) startRecovery() {
	g.mu.Lock()
	g.reconnecting = true
	g.mu.Unlock()
}

// finishRecovery clears the queueing flag and returns the queued operations
// for the caller to drain in FIFO order. The flag clears before the drain
// runs, so operations arriving mid-drain execute immediately rather than
// joining the old queue.
func (g *Gate) finishRecovery() []*pendingOp {
	g.mu.Lock()
	ops := g.queue
	g.queue = nil
	g.reconnecting = false
	g.notCleaning.Broadcast()
	g.mu.Unlock()
	return ops
}

// failRecovery clears the queueing flag and rejects every queued operation
// with err, oldest first.
func (g *Gate) failRecovery(err error) {
	g.mu.Lock()
	ops := g.queue
	g.queue = nil
	g.reconnecting = false
	g.notCleaning.Broadcast()
	g.mu.Unlock()

	for _, op := range ops {
		g.log.Warn("rejecting queued operation", "op", op.name, "queued_for", g.now().Sub(op.enqueuedAt))
		op.result <- opResult{err: &OpError{Op: op.name, Cause: err}}
	}
}

// drain executes queued operations strictly FIFO and delivers each result to
// its original caller.
func (g *Gate) drain(ops []*pendingOp) {
	for _, op := range ops {
		g.log.Info("replaying queued operation", "op", op.name, "queued_for", g.now().Sub(op.enqueuedAt))
		v, err := op.run()
		op.result <- opResult{value: v, err: err}
	}
}

// BeginCleanup marks the gate as cleaning. It blocks until any in-flight
// recovery settles, so a cleanup is serialized after recovery rather than
// interleaved with it.
func (g *Gate) BeginCleanup() {
	g.mu.Lock()
	for g.reconnecting {
		g.notCleaning.Wait()
	}
	g.cleaning = true
	g.mu.Unlock()
}

// EndCleanup lifts the cleanup rejection.
func (g *Gate) EndCleanup() {
	g.mu.Lock()
	g.cleaning = false
	g.mu.Unlock()
}

// QueueDepth reports the number of operations waiting on recovery.
func (g *Gate) QueueDepth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Reconnecting reports whether the gate is in queueing mode.
func (g *Gate) Reconnecting() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reconnecting
}
