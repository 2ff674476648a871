package action

import (
	"testing"
	"time"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func (c *fixedClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestSlidingWindow(t *testing.T) {
	clock := &fixedClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	w := NewSlidingWindow(2, time.Minute, clock)

	if !w.Allow() || !w.Allow() {
		t.Fatal("first two sends must be allowed")
	}
	if w.Allow() {
		t.Error("third send inside the window must be refused")
	}

	clock.advance(61 * time.Second)
	if !w.Allow() {
		t.Error("send after the window expired must be allowed")
	}
}

func TestEntityWindow(t *testing.T) {
	clock := &fixedClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	w := NewEntityWindow(time.Hour, clock)

	if !w.Allow("octocat/hello#1") {
		t.Fatal("fresh key must be allowed")
	}
	// Allow without Record must not consume the slot.
	if !w.Allow("octocat/hello#1") {
		t.Error("unrecorded key must still be allowed")
	}

	w.Record("octocat/hello#1")
	if w.Allow("octocat/hello#1") {
		t.Error("recorded key inside the window must be refused")
	}
	if !w.Allow("octocat/hello#2") {
		t.Error("other keys must not be affected")
	}

	clock.advance(time.Hour)
	if !w.Allow("octocat/hello#1") {
		t.Error("key must be allowed again after the window")
	}
}
