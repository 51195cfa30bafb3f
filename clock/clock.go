// Package clock abstracts time for components that sleep, back off, or arm
// timers, so tests can simulate the passage of time instead of sleeping.
//
// All constructors in bridge, contacts, and schedule accept a Clock, making
// the time source a startup-time decision rather than a compile-time one.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by backoff loops, TTL caches, and the
// scheduled-message store.
type Clock interface {
	Now() time.Time

	// After returns a channel that receives the fire time once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc arms a timer that calls f once d has elapsed.
	// A non-positive d fires f immediately.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancelable armed timer.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired or stopped.
	Stop() bool
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake is a manually advanced Clock for tests. Timers fire synchronously
// inside Advance, in order of their deadlines.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *Fake
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

// NewFake returns a Fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once Advance moves past d.
func (c *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.AfterFunc(d, func() {
		c.mu.Lock()
		now := c.now
		c.mu.Unlock()
		ch <- now
	})
	return ch
}

// AfterFunc arms a fake timer. Non-positive durations fire on the next
// Advance call (or immediately via Advance(0)).
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the fake time forward and fires every timer whose deadline
// falls within the window, earliest first. Callbacks run on the calling
// goroutine, outside the clock's lock.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.nextDue()
		if t == nil {
			return
		}
		t.f()
	}
}

func (c *Fake) nextDue() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var due *fakeTimer
	for _, t := range c.timers {
		if t.fired || t.stopped || t.at.After(c.now) {
			continue
		}
		if due == nil || t.at.Before(due.at) {
			due = t
		}
	}
	if due != nil {
		due.fired = true
	}
	return due
}

// Pending returns the number of armed, unfired timers. Tests use this to
// wait for a goroutine to reach its sleep before advancing.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// BlockUntil polls until at least n timers are armed. It is intended for
// tests only and gives up after a generous real-time budget.
func (c *Fake) BlockUntil(n int) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Pending() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
