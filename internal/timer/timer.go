package timer

import (
	"sync"
	"time"
)

// Timer is a single cancellable timer. Every arm gets a new generation; a
// callback whose generation is no longer current is discarded, so Cancel and
// Reset are effective even when the underlying timer already fired.
type Timer struct {
	clock Clock

	mu   sync.Mutex
	gen  uint64
	live Stopper
}

// New creates an idle timer driven by clock.
func New(clock Clock) *Timer {
	if clock == nil {
		clock = Real()
	}
	return &Timer{clock: clock}
}

// Start arms the timer unless it is already pending. It returns false (and
// leaves the pending deadline untouched) when a callback is already scheduled.
func (t *Timer) Start(d time.Duration, f func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.live != nil {
		return false
	}
	t.arm(d, f)
	return true
}

// Reset cancels any pending callback and schedules f after d.
func (t *Timer) Reset(d time.Duration, f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stop()
	t.arm(d, f)
}

// Cancel drops the pending callback. It reports whether one was pending.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop()
}

// Pending reports whether a callback is scheduled.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live != nil
}

// arm must be called with t.mu held.
func (t *Timer) arm(d time.Duration, f func()) {
	t.gen++
	gen := t.gen
	t.live = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		if t.gen != gen || t.live == nil {
			t.mu.Unlock()
			return
		}
		t.live = nil
		t.mu.Unlock()
		f()
	})
}

// stop must be called with t.mu held.
func (t *Timer) stop() bool {
	if t.live == nil {
		return false
	}
	t.live.Stop()
	t.live = nil
	t.gen++
	return true
}
