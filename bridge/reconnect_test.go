package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBackoff_DelayBounds(t *testing.T) {
	m := NewManager(nil, &fakeStore{})
	r := m.rec

	// with real jitter each delay lands in [base*2^(n-1), +1s)
	for attempt, base := range map[int]time.Duration{
		1: 5 * time.Second,
		2: 10 * time.Second,
		3: 20 * time.Second,
		4: 30 * time.Second, // capped
		5: 30 * time.Second,
	} {
		for i := 0; i < 20; i++ {
			d := r.delay(attempt)
			if d < base || d >= base+time.Second {
				t.Fatalf("attempt %d: delay %v outside [%v, %v)", attempt, d, base, base+time.Second)
			}
		}
	}
}

func TestBackoff_NonDecreasingWithoutJitter(t *testing.T) {
	m := NewManager(nil, &fakeStore{}, WithJitter(func() time.Duration { return 0 }))
	r := m.rec

	prev := time.Duration(0)
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		d := r.delay(attempt)
		if d < prev {
			t.Fatalf("attempt %d: delay %v decreased from %v", attempt, d, prev)
		}
		if d > r.maxDelay {
			t.Fatalf("attempt %d: delay %v exceeds cap %v", attempt, d, r.maxDelay)
		}
		prev = d
	}
}

func TestRecovery_SingleFlight(t *testing.T) {
	var calls int
	var mu sync.Mutex
	m := NewManager(
		func(ctx context.Context) (Session, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil, errors.New("down")
		},
		&fakeStore{},
		fastOpts(WithMaxAttempts(1))...,
	)
	defer m.Teardown(context.Background())

	m.rec.running.Store(true) // simulate a run already in flight
	m.rec.trigger()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("second trigger started a run: %d factory calls", calls)
	}
}

func TestRecovery_ExhaustionRejectsQueuedAndGoesFatal(t *testing.T) {
	release := make(chan struct{})
	m := NewManager(
		func(ctx context.Context) (Session, error) {
			<-release
			return nil, errors.New("still down")
		},
		&fakeStore{},
		fastOpts(WithMaxAttempts(2))...,
	)

	m.applyEvent(Event{Type: EventError, Err: errors.New("boom")})

	result := make(chan error, 1)
	go func() {
		result <- m.SendMessage(context.Background(), "111@s", "queued while down")
	}()
	waitQueueAtLeast(t, m.gate, 1)

	close(release)

	select {
	case err := <-result:
		if !errors.Is(err, ErrReconnectionExhausted) {
			t.Fatalf("got %v, want ErrReconnectionExhausted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued operation never resolved")
	}

	waitState(t, m, StateFatal)

	// fatal is absorbing: a later error event must not restart recovery
	m.applyEvent(Event{Type: EventError, Err: errors.New("again")})
	if m.State() != StateFatal {
		t.Fatalf("state after event in fatal: %s", m.State())
	}
}

func TestRecovery_SuccessDrainsQueueFIFO(t *testing.T) {
	sess := newFakeSession()
	release := make(chan struct{})
	m := NewManager(
		func(ctx context.Context) (Session, error) {
			<-release
			return sess, nil
		},
		&fakeStore{},
		fastOpts()...,
	)
	defer m.Teardown(context.Background())

	m.applyEvent(Event{Type: EventError, Err: errors.New("boom")})

	results := make(chan error, 3)
	for i, body := range []string{"first", "second", "third"} {
		body := body
		go func() {
			results <- m.SendMessage(context.Background(), "111@s", body)
		}()
		waitQueueAtLeast(t, m.gate, i+1)
	}

	close(release)

	for i := 0; i < 3; i++ {
		if err := <-results; err != nil {
			t.Fatalf("drained op failed: %v", err)
		}
	}

	sent := sess.sentMessages()
	if len(sent) != 3 || sent[0] != "first" || sent[1] != "second" || sent[2] != "third" {
		t.Fatalf("drain order: got %v", sent)
	}
}

func TestRecovery_RerunsWhenLossArrivesWhileSettling(t *testing.T) {
	var calls int
	var mu sync.Mutex
	m := NewManager(
		func(ctx context.Context) (Session, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return newFakeSession(), nil
		},
		&fakeStore{},
		fastOpts()...,
	)
	defer m.Teardown(context.Background())

	// a previous run still holds the single-flight slot when a fresh loss
	// arrives, so its trigger is ignored
	m.rec.running.Store(true)
	m.applyEvent(Event{Type: EventError, Err: errors.New("page died")})
	if !m.gate.Reconnecting() {
		t.Fatal("gate should be queueing after the loss")
	}

	result := make(chan error, 1)
	go func() {
		result <- m.SendMessage(context.Background(), "111@s", "queued during loss")
	}()
	waitQueueAtLeast(t, m.gate, 1)

	// the settling run releases the slot; the pending loss must start a
	// new run instead of stranding the queue
	m.rec.finish()

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("queued operation failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued operation never resolved")
	}

	mu.Lock()
	defer mu.Unlock()
	if calls == 0 {
		t.Fatal("recovery never rebuilt the session")
	}
}

func TestRecovery_RebuildHonorsRestoreTimeout(t *testing.T) {
	m := NewManager(
		func(ctx context.Context) (Session, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		&fakeStore{},
		fastOpts(WithMaxAttempts(1), WithRestoreTimeout(20*time.Millisecond))...,
	)
	defer m.Teardown(context.Background())

	// a hung factory must hit the bring-up ceiling, not block forever
	m.applyEvent(Event{Type: EventError, Err: errors.New("transport lost")})
	waitState(t, m, StateFatal)
}

func TestRecovery_ValidationRetriesProbes(t *testing.T) {
	sess := newFakeSession()
	sess.failPings = 2 // first two probes fail, third passes

	m := NewManager(
		func(ctx context.Context) (Session, error) { return sess, nil },
		&fakeStore{},
		fastOpts(WithProbing(3, 0))...,
	)
	defer m.Teardown(context.Background())

	if !m.rec.validate(context.Background(), sess) {
		t.Fatal("validation should pass on the third probe")
	}
}

func TestRecovery_ValidationRejectsEmptyStatus(t *testing.T) {
	sess := newFakeSession()
	sess.pingStatus = ""

	m := NewManager(
		func(ctx context.Context) (Session, error) { return sess, nil },
		&fakeStore{},
		fastOpts(WithProbing(2, 0))...,
	)
	defer m.Teardown(context.Background())

	if m.rec.validate(context.Background(), sess) {
		t.Fatal("empty status must fail validation")
	}
}
