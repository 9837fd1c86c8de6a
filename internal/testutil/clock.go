// Package testutil provides deterministic helpers for tests.
package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/basket/tasksync/internal/debounce"
)

// ManualClock is a debounce.Clock whose time only moves on Advance.
// Callbacks run synchronously inside Advance, in due order.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	clock   *ManualClock
	id      int
	due     time.Time
	fn      func()
	stopped bool
}

// NewManualClock returns a clock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current fake time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules fn to run once the clock reaches now+d.
func (c *ManualClock) AfterFunc(d time.Duration, fn func()) debounce.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{clock: c, id: c.seq, due: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Stop cancels the timer, reporting whether it was still pending.
func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Pending returns the number of armed timers.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves time forward by d, firing every timer that falls due.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.SliceStable(c.timers, func(i, j int) bool {
			if c.timers[i].due.Equal(c.timers[j].due) {
				return c.timers[i].id < c.timers[j].id
			}
			return c.timers[i].due.Before(c.timers[j].due)
		})
		var next *manualTimer
		for i, t := range c.timers {
			if t.stopped {
				continue
			}
			if t.due.After(target) {
				break
			}
			next = t
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			break
		}
		if next == nil {
			c.now = target
			c.pruneLocked()
			c.mu.Unlock()
			return
		}
		next.stopped = true
		c.now = next.due
		c.mu.Unlock()
		next.fn()
	}
}

func (c *ManualClock) pruneLocked() {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	c.timers = live
}

// InlineExecutor runs submitted work immediately on the caller's goroutine.
type InlineExecutor struct{}

// Submit runs fn and reports true.
func (InlineExecutor) Submit(fn func()) bool {
	fn()
	return true
}
