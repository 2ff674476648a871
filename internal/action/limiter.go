package action

import (
	"sync"
	"time"

	"concierge/internal/model"
)

// SlidingWindow allows at most max operations inside a rolling window.
type SlidingWindow struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	clock  model.Clock
	sent   []time.Time
}

func NewSlidingWindow(max int, window time.Duration, clock model.Clock) *SlidingWindow {
	return &SlidingWindow{max: max, window: window, clock: clock}
}

// Allow reports whether another operation fits in the window and, if so,
// counts it.
func (w *SlidingWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	cutoff := now.Add(-w.window)
	kept := w.sent[:0]
	for _, t := range w.sent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.sent = kept

	if len(w.sent) >= w.max {
		return false
	}
	w.sent = append(w.sent, now)
	return true
}

// EntityWindow allows one operation per key inside a rolling window.
// Allow checks without counting; callers Record only after the operation
// succeeds, so failed sends do not consume an entity's slot.
type EntityWindow struct {
	mu     sync.Mutex
	window time.Duration
	clock  model.Clock
	last   map[string]time.Time
}

func NewEntityWindow(window time.Duration, clock model.Clock) *EntityWindow {
	return &EntityWindow{window: window, clock: clock, last: make(map[string]time.Time)}
}

func (w *EntityWindow) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	last, ok := w.last[key]
	if !ok {
		return true
	}
	return w.clock.Now().Sub(last) >= w.window
}

func (w *EntityWindow) Record(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last[key] = w.clock.Now()
}
