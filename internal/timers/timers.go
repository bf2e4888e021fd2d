package timers

import (
	"sync"
	"time"
)

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer.
	Stop() bool
}

// Clock schedules callbacks. Tests substitute timerstest.Clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

// System returns a Clock backed by the time package.
func System() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Deadline runs a callback once after a fixed delay unless stopped first.
type Deadline struct {
	mu      sync.Mutex
	timer   Timer
	fired   bool
	stopped bool
	fn      func()
}

// NewDeadline arms a single-shot timer.
func NewDeadline(clock Clock, d time.Duration, fn func()) *Deadline {
	dl := &Deadline{fn: fn}
	dl.mu.Lock()
	dl.timer = clock.AfterFunc(d, dl.fire)
	dl.mu.Unlock()
	return dl
}

func (d *Deadline) fire() {
	d.mu.Lock()
	if d.stopped || d.fired {
		d.mu.Unlock()
		return
	}
	d.fired = true
	d.mu.Unlock()

	d.fn()
}

// Stop disarms the deadline. It is safe to call repeatedly.
func (d *Deadline) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.fired {
		return false
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	return true
}

// Fired reports whether the callback has run.
func (d *Deadline) Fired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}

// Countdown reports from, from-1, ..., 0 at a fixed interval, then stops.
// Tick times are anchored to the start so scheduling delays do not add up.
type Countdown struct {
	mu       sync.Mutex
	clock    Clock
	interval time.Duration
	start    time.Time
	from     int
	next     int
	timer    Timer
	stopped  bool
	report   func(remaining int)
}

// StartCountdown reports from synchronously and schedules the rest.
// A negative from is treated as zero.
func StartCountdown(clock Clock, from int, interval time.Duration, report func(remaining int)) *Countdown {
	return StartCountdownAt(clock, clock.Now(), from, interval, report)
}

// StartCountdownAt is StartCountdown with tick times anchored to start
// rather than to the call time.
func StartCountdownAt(clock Clock, start time.Time, from int, interval time.Duration, report func(remaining int)) *Countdown {
	if from < 0 {
		from = 0
	}
	c := &Countdown{
		clock:    clock,
		interval: interval,
		start:    start,
		from:     from,
		next:     from,
		report:   report,
	}

	c.mu.Lock()
	value := c.advanceLocked()
	c.mu.Unlock()

	c.report(value)
	return c
}

// advanceLocked consumes the next value and schedules the following tick.
func (c *Countdown) advanceLocked() int {
	value := c.next
	c.next--
	if c.next < 0 {
		c.stopped = true
		return value
	}

	due := c.dueLocked(c.next).Sub(c.clock.Now())
	if due < 0 {
		due = 0
	}
	c.timer = c.clock.AfterFunc(due, c.tick)
	return value
}

func (c *Countdown) dueLocked(value int) time.Time {
	return c.start.Add(time.Duration(c.from-value) * c.interval)
}

func (c *Countdown) tick() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	value := c.advanceLocked()
	c.mu.Unlock()

	c.report(value)
}

// Stop cancels pending ticks. It is safe to call repeatedly.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Countdown) stopLocked() {
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Drain reports every value whose tick time has already passed but has not
// been reported yet, then stops the countdown.
func (c *Countdown) Drain() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	var due []int
	for c.next >= 0 && !c.dueLocked(c.next).After(now) {
		due = append(due, c.next)
		c.next--
	}
	c.stopLocked()
	c.mu.Unlock()

	for _, value := range due {
		c.report(value)
	}
}

// Done reports whether the countdown has finished or been stopped.
func (c *Countdown) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
