// Package timerstest provides a manually advanced clock for deterministic
// timer tests.
package timerstest

import (
	"sync"
	"time"

	"sonicres/internal/timers"
)

// Clock only moves when Advance is called. Due callbacks run synchronously on
// the advancing goroutine, earliest first, in scheduling order on ties.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	pending []*fakeTimer
}

var _ timers.Clock = (*Clock)(nil)

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) AfterFunc(d time.Duration, f func()) timers.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, when: c.now.Add(d), seq: c.seq, fn: f}
	c.seq++
	c.pending = append(c.pending, t)
	return t
}

// Advance moves time forward by d, firing every callback that becomes due.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.when
		c.removeLocked(next)
		c.mu.Unlock()

		next.fn()
	}
}

// Pending returns how many callbacks are scheduled.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Clock) nextDueLocked(target time.Time) *fakeTimer {
	var best *fakeTimer
	for _, t := range c.pending {
		if t.when.After(target) {
			continue
		}
		if best == nil || t.when.Before(best.when) || (t.when.Equal(best.when) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

func (c *Clock) removeLocked(t *fakeTimer) bool {
	for i, p := range c.pending {
		if p == t {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}

type fakeTimer struct {
	clock *Clock
	when  time.Time
	seq   int
	fn    func()
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.clock.removeLocked(t)
}
