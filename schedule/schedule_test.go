package schedule

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/msgrelay/clock"
)

type sendRecorder struct {
	mu    sync.Mutex
	sent  []string
	fail  bool
	calls int
}

func (r *sendRecorder) send(ctx context.Context, to, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.sent = append(r.sent, body)
	if r.fail {
		return errors.New("send refused")
	}
	return nil
}

func (r *sendRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newTestStore(t *testing.T, rec *sendRecorder, clk clock.Clock) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scheduled.json")
	return New(path, rec.send, WithClock(clk)), path
}

func TestSchedule_RejectsPastOrPresent(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s, _ := newTestStore(t, &sendRecorder{}, clk)

	if _, err := s.Schedule("111@s", "late", clk.Now().Add(-time.Hour)); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("past: got %v", err)
	}
	if _, err := s.Schedule("111@s", "now", clk.Now()); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("present: got %v", err)
	}
}

func TestSchedule_FiresAndRemoves(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	rec := &sendRecorder{}
	s, _ := newTestStore(t, rec, clk)

	msg, err := s.Schedule("111@s", "happy new year", clk.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID == "" {
		t.Fatal("missing id")
	}
	if len(s.List()) != 1 {
		t.Fatalf("pending: %d", len(s.List()))
	}

	clk.Advance(time.Minute)

	if rec.count() != 1 {
		t.Fatalf("sends: got %d, want 1", rec.count())
	}
	if len(s.List()) != 0 {
		t.Fatalf("entry not removed after fire: %v", s.List())
	}
}

func TestSchedule_FailedSendStillRemoved(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	rec := &sendRecorder{fail: true}
	s, _ := newTestStore(t, rec, clk)

	if _, err := s.Schedule("111@s", "doomed", clk.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)

	if rec.count() != 1 {
		t.Fatalf("sends: got %d", rec.count())
	}
	if len(s.List()) != 0 {
		t.Fatal("failed send must still remove the entry")
	}
}

func TestRemove_CancelsTimer(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	rec := &sendRecorder{}
	s, _ := newTestStore(t, rec, clk)

	msg, err := s.Schedule("111@s", "cancelled", clk.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(msg.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(msg.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove: got %v", err)
	}

	clk.Advance(2 * time.Minute)
	if rec.count() != 0 {
		t.Fatal("cancelled entry fired")
	}
}

func TestStart_ReloadsAndArms(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	rec := &sendRecorder{}
	path := filepath.Join(t.TempDir(), "scheduled.json")

	first := New(path, rec.send, WithClock(clk))
	if _, err := first.Schedule("111@s", "survives restart", clk.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	first.Stop()

	second := New(path, rec.send, WithClock(clk))
	if err := second.Start(); err != nil {
		t.Fatal(err)
	}
	if len(second.List()) != 1 {
		t.Fatalf("reloaded entries: %d", len(second.List()))
	}

	clk.Advance(time.Hour)
	if rec.count() != 1 {
		t.Fatalf("reloaded entry did not fire: %d sends", rec.count())
	}
}

func TestStart_OverdueEntryFiresImmediatelyExactlyOnce(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	rec := &sendRecorder{}
	path := filepath.Join(t.TempDir(), "scheduled.json")

	first := New(path, rec.send, WithClock(clk))
	if _, err := first.Schedule("111@s", "overdue", clk.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	first.Stop()

	// process was down past the send time
	clk.Advance(time.Hour)

	second := New(path, rec.send, WithClock(clk))
	if err := second.Start(); err != nil {
		t.Fatal(err)
	}
	clk.Advance(0)

	if rec.count() != 1 {
		t.Fatalf("overdue entry sends: got %d, want 1", rec.count())
	}
	if len(second.List()) != 0 {
		t.Fatal("overdue entry not removed after firing")
	}

	// durable file must agree
	third := New(path, rec.send, WithClock(clk))
	if err := third.Start(); err != nil {
		t.Fatal(err)
	}
	clk.Advance(0)
	if rec.count() != 1 {
		t.Fatal("entry fired again on a later reload")
	}
}

func TestStart_MissingFile(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	s, _ := newTestStore(t, &sendRecorder{}, clk)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if len(s.List()) != 0 {
		t.Fatal("expected empty store")
	}
}
