package session

import (
	"sync"
	"time"
)

// fakeClock fires timers only from Advance, in due order, without holding
// its own lock while a callback runs.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c    *fakeClock
	at   time.Time
	f    func()
	done bool
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)

	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()

	if t.done {
		return false
	}

	t.done = true

	return true
}

// Advance moves time forward by d, firing every timer that falls due.
// Timers scheduled by callbacks fire too if they fall within the window.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	end := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()

		var next *fakeTimer

		idx := -1

		for i, t := range c.timers {
			if t.done || t.at.After(end) {
				continue
			}

			if next == nil || t.at.Before(next.at) {
				next = t
				idx = i
			}
		}

		if next == nil {
			c.now = end
			c.compactLocked()
			c.mu.Unlock()

			return
		}

		if next.at.After(c.now) {
			c.now = next.at
		}

		next.done = true
		c.timers = append(c.timers[:idx], c.timers[idx+1:]...)
		c.mu.Unlock()

		next.f()
	}
}

func (c *fakeClock) compactLocked() {
	live := c.timers[:0]

	for _, t := range c.timers {
		if !t.done {
			live = append(live, t)
		}
	}

	c.timers = live
}
