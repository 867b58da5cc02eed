package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func TestTimerFiresOnce(t *testing.T) {
	clock := NewFake(epoch)
	tm := New(clock)
	var fired int
	if !tm.Start(time.Second, func() { fired++ }) {
		t.Fatal("Start() on idle timer returned false")
	}
	if !tm.Pending() {
		t.Error("Pending() = false after Start")
	}

	clock.Advance(999 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}
	clock.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if tm.Pending() {
		t.Error("Pending() = true after firing")
	}
	clock.Advance(time.Hour)
	if fired != 1 {
		t.Errorf("fired = %d after extra advance, want 1", fired)
	}
}

func TestTimerStartWhilePendingIsNoop(t *testing.T) {
	clock := NewFake(epoch)
	tm := New(clock)
	var first, second int
	tm.Start(500*time.Millisecond, func() { first++ })
	clock.Advance(300 * time.Millisecond)
	if tm.Start(500*time.Millisecond, func() { second++ }) {
		t.Error("Start() while pending returned true")
	}

	// The original deadline is kept, not pushed back.
	clock.Advance(200 * time.Millisecond)
	if first != 1 || second != 0 {
		t.Errorf("first=%d second=%d, want 1/0", first, second)
	}
}

func TestTimerResetSlides(t *testing.T) {
	clock := NewFake(epoch)
	tm := New(clock)
	var fired int
	tm.Reset(3*time.Second, func() { fired++ })
	clock.Advance(2 * time.Second)
	tm.Reset(3*time.Second, func() { fired++ })
	clock.Advance(2 * time.Second)
	if fired != 0 {
		t.Fatalf("fired = %d before slid deadline", fired)
	}
	clock.Advance(time.Second)
	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
}

func TestTimerCancel(t *testing.T) {
	clock := NewFake(epoch)
	tm := New(clock)
	var fired int
	tm.Start(time.Second, func() { fired++ })
	if !tm.Cancel() {
		t.Error("Cancel() on pending timer returned false")
	}
	if tm.Cancel() {
		t.Error("second Cancel() returned true")
	}
	clock.Advance(time.Minute)
	if fired != 0 {
		t.Errorf("cancelled timer fired %d times", fired)
	}
	if clock.Scheduled() != 0 {
		t.Errorf("scheduled = %d, want 0", clock.Scheduled())
	}
}

// TestTimerStaleGenerationDiscarded covers the window where the underlying
// timer already fired but the callback has not yet taken the lock.
func TestTimerStaleGenerationDiscarded(t *testing.T) {
	stub := &captureClock{}
	tm := New(stub)
	var fired int
	tm.Start(time.Second, func() { fired++ })
	stale := stub.last
	tm.Cancel()
	stale()
	if fired != 0 {
		t.Errorf("stale callback ran %d times", fired)
	}

	tm.Start(time.Second, func() { fired++ })
	stub.last()
	if fired != 1 {
		t.Errorf("fresh callback fired = %d, want 1", fired)
	}
}

func TestTimerRealClock(t *testing.T) {
	tm := New(nil)
	var fired atomic.Int32
	done := make(chan struct{})
	tm.Start(10*time.Millisecond, func() {
		fired.Add(1)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for real timer")
	}
	if fired.Load() != 1 {
		t.Errorf("fired = %d, want 1", fired.Load())
	}
}

func TestGroupPerKey(t *testing.T) {
	clock := NewFake(epoch)
	g := NewGroup[string](clock)
	fired := map[string]int{}
	g.Reset("a", time.Second, func() { fired["a"]++ })
	g.Reset("b", 2*time.Second, func() { fired["b"]++ })
	if g.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", g.Len())
	}

	clock.Advance(time.Second)
	if fired["a"] != 1 || fired["b"] != 0 {
		t.Errorf("fired = %v, want a=1 b=0", fired)
	}
	if g.Pending("a") {
		t.Error("fired key a still pending")
	}
	if g.Len() != 1 {
		t.Errorf("Len() = %d after a fired, want 1", g.Len())
	}
}

func TestGroupCancelFunc(t *testing.T) {
	clock := NewFake(epoch)
	g := NewGroup[[2]string](clock)
	var fired int
	g.Reset([2]string{"c1", "u1"}, time.Second, func() { fired++ })
	g.Reset([2]string{"c1", "u2"}, time.Second, func() { fired++ })
	g.Reset([2]string{"c2", "u1"}, time.Second, func() { fired++ })

	n := g.CancelFunc(func(k [2]string) bool { return k[0] == "c1" })
	if n != 2 {
		t.Errorf("CancelFunc() = %d, want 2", n)
	}
	clock.Advance(time.Second)
	if fired != 1 {
		t.Errorf("fired = %d, want 1 (only c2)", fired)
	}

	g.Reset([2]string{"c3", "u1"}, time.Second, func() { fired++ })
	if g.CancelAll() != 1 {
		t.Error("CancelAll() did not report the pending timer")
	}
	clock.Advance(time.Second)
	if fired != 1 {
		t.Errorf("fired = %d after CancelAll, want 1", fired)
	}
}

func TestFakeOrdersByDeadline(t *testing.T) {
	clock := NewFake(epoch)
	var order []string
	clock.AfterFunc(2*time.Second, func() { order = append(order, "late") })
	clock.AfterFunc(time.Second, func() {
		order = append(order, "early")
		clock.AfterFunc(500*time.Millisecond, func() { order = append(order, "chained") })
	})
	clock.Advance(3 * time.Second)

	want := []string{"early", "chained", "late"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
	if !clock.Now().Equal(epoch.Add(3 * time.Second)) {
		t.Errorf("Now() = %v, want epoch+3s", clock.Now())
	}
}

type captureClock struct {
	last func()
}

func (c *captureClock) Now() time.Time { return epoch }

func (c *captureClock) AfterFunc(_ time.Duration, f func()) Stopper {
	c.last = f
	return nopStopper{}
}

type nopStopper struct{}

func (nopStopper) Stop() bool { return true }
