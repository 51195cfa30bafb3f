package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	c.Advance(5 * time.Second)

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("fire order: got %v", order)
	}
}

func TestFake_AdvancePartial(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	fired := false
	c.AfterFunc(10*time.Second, func() { fired = true })

	c.Advance(9 * time.Second)
	if fired {
		t.Fatal("timer fired before its deadline")
	}
	c.Advance(1 * time.Second)
	if !fired {
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFake_Stop(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("first Stop should return true")
	}
	if timer.Stop() {
		t.Fatal("second Stop should return false")
	}

	c.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestFake_After(t *testing.T) {
	c := NewFake(time.Unix(100, 0))
	ch := c.After(time.Minute)

	select {
	case <-ch:
		t.Fatal("channel received before advance")
	default:
	}

	c.Advance(time.Minute)

	select {
	case at := <-ch:
		if !at.Equal(time.Unix(160, 0)) {
			t.Fatalf("fire time: got %v", at)
		}
	case <-time.After(time.Second):
		t.Fatal("channel never received")
	}
}

func TestFake_NonPositiveFiresOnNextAdvance(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	c.AfterFunc(-time.Second, func() { fired = true })
	c.Advance(0)
	if !fired {
		t.Fatal("non-positive timer should fire on Advance(0)")
	}
}

func TestReal_AfterFunc(t *testing.T) {
	done := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real timer never fired")
	}
}
