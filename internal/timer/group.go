package timer

import (
	"sync"
	"time"
)

// Group owns one Timer per key. Fired timers are forgotten automatically;
// CancelFunc and CancelAll give owners exhaustive teardown.
type Group[K comparable] struct {
	clock Clock

	mu     sync.Mutex
	timers map[K]*Timer
}

// NewGroup creates an empty keyed timer group.
func NewGroup[K comparable](clock Clock) *Group[K] {
	if clock == nil {
		clock = Real()
	}
	return &Group[K]{clock: clock, timers: make(map[K]*Timer)}
}

// Start arms the timer for key unless one is already pending.
func (g *Group[K]) Start(key K, d time.Duration, f func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.timerLocked(key)
	return t.Start(d, g.wrap(key, t, f))
}

// Reset (re)arms the timer for key, discarding any pending callback.
func (g *Group[K]) Reset(key K, d time.Duration, f func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.timerLocked(key)
	t.Reset(d, g.wrap(key, t, f))
}

// Cancel drops the timer for key and reports whether it was pending.
func (g *Group[K]) Cancel(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.timers[key]
	if !ok {
		return false
	}
	delete(g.timers, key)
	return t.Cancel()
}

// CancelFunc cancels every timer whose key satisfies match and returns how
// many pending callbacks were dropped.
func (g *Group[K]) CancelFunc(match func(K) bool) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for key, t := range g.timers {
		if !match(key) {
			continue
		}
		delete(g.timers, key)
		if t.Cancel() {
			n++
		}
	}
	return n
}

// CancelAll cancels every timer in the group.
func (g *Group[K]) CancelAll() int {
	return g.CancelFunc(func(K) bool { return true })
}

// Pending reports whether key has a scheduled callback.
func (g *Group[K]) Pending(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.timers[key]
	return ok && t.Pending()
}

// Len returns the number of pending timers.
func (g *Group[K]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, t := range g.timers {
		if t.Pending() {
			n++
		}
	}
	return n
}

func (g *Group[K]) timerLocked(key K) *Timer {
	t, ok := g.timers[key]
	if !ok {
		t = New(g.clock)
		g.timers[key] = t
	}
	return t
}

func (g *Group[K]) wrap(key K, t *Timer, f func()) func() {
	return func() {
		g.mu.Lock()
		if g.timers[key] == t && !t.Pending() {
			delete(g.timers, key)
		}
		g.mu.Unlock()
		f()
	}
}
