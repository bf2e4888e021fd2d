package timers_test

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"sonicres/internal/timers"
	"sonicres/internal/timers/timerstest"
)

type recorder struct {
	mu     sync.Mutex
	values []int
}

func (r *recorder) report(v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.values))
	copy(out, r.values)
	return out
}

func TestCountdownReportsEverySecondDownToZero(t *testing.T) {
	t.Parallel()

	for _, durationMS := range []int{0, 999, 1000, 2500, 10000} {
		durationMS := durationMS
		t.Run(time.Duration(durationMS*int(time.Millisecond)).String(), func(t *testing.T) {
			t.Parallel()

			clock := timerstest.NewClock(time.Unix(0, 0))
			rec := &recorder{}
			from := durationMS / 1000
			c := timers.StartCountdown(clock, from, time.Second, rec.report)

			clock.Advance(time.Duration(durationMS+5000) * time.Millisecond)

			got := rec.snapshot()
			if len(got) != from+1 {
				t.Fatalf("expected %d reports, got %v", from+1, got)
			}
			for i, v := range got {
				if v != from-i {
					t.Fatalf("unexpected sequence: %v", got)
				}
			}
			if !c.Done() {
				t.Fatalf("expected countdown to self-cancel")
			}
			if clock.Pending() != 0 {
				t.Fatalf("expected no pending timers, got %d", clock.Pending())
			}
		})
	}
}

func TestCountdownFirstValueIsSynchronous(t *testing.T) {
	t.Parallel()

	clock := timerstest.NewClock(time.Unix(0, 0))
	rec := &recorder{}
	timers.StartCountdown(clock, 3, time.Second, rec.report)

	if got := rec.snapshot(); !reflect.DeepEqual(got, []int{3}) {
		t.Fatalf("expected immediate report, got %v", got)
	}
}

func TestCountdownStopIsIdempotent(t *testing.T) {
	t.Parallel()

	clock := timerstest.NewClock(time.Unix(0, 0))
	rec := &recorder{}
	c := timers.StartCountdown(clock, 5, time.Second, rec.report)

	clock.Advance(2 * time.Second)
	c.Stop()
	c.Stop()
	clock.Advance(10 * time.Second)

	if got := rec.snapshot(); !reflect.DeepEqual(got, []int{5, 4, 3}) {
		t.Fatalf("unexpected values after stop: %v", got)
	}
}

func TestCountdownDrainFlushesDueTicks(t *testing.T) {
	t.Parallel()

	clock := timerstest.NewClock(time.Unix(0, 0))
	rec := &recorder{}

	// the deadline is armed after the countdown, so on a tie it fires before
	// the countdown's rescheduled final tick
	c := timers.StartCountdown(clock, 2, time.Second, rec.report)
	timers.NewDeadline(clock, 2*time.Second, func() { c.Drain() })

	clock.Advance(5 * time.Second)

	if got := rec.snapshot(); !reflect.DeepEqual(got, []int{2, 1, 0}) {
		t.Fatalf("expected drained final tick, got %v", got)
	}
}

func TestCountdownDrainSkipsFutureTicks(t *testing.T) {
	t.Parallel()

	clock := timerstest.NewClock(time.Unix(0, 0))
	rec := &recorder{}
	c := timers.StartCountdown(clock, 10, time.Second, rec.report)

	clock.Advance(1500 * time.Millisecond)
	c.Drain()
	c.Drain()

	if got := rec.snapshot(); !reflect.DeepEqual(got, []int{10, 9}) {
		t.Fatalf("unexpected drained values: %v", got)
	}
}

func TestDeadlineFiresOnce(t *testing.T) {
	t.Parallel()

	clock := timerstest.NewClock(time.Unix(0, 0))
	calls := 0
	d := timers.NewDeadline(clock, time.Second, func() { calls++ })

	clock.Advance(999 * time.Millisecond)
	if calls != 0 || d.Fired() {
		t.Fatalf("deadline fired early")
	}
	clock.Advance(time.Millisecond)
	if calls != 1 || !d.Fired() {
		t.Fatalf("expected deadline to fire, calls=%d", calls)
	}
	if d.Stop() {
		t.Fatalf("stop after fire should report false")
	}
}

func TestDeadlineStop(t *testing.T) {
	t.Parallel()

	clock := timerstest.NewClock(time.Unix(0, 0))
	calls := 0
	d := timers.NewDeadline(clock, time.Second, func() { calls++ })

	if !d.Stop() {
		t.Fatalf("expected first stop to report true")
	}
	if d.Stop() {
		t.Fatalf("expected second stop to report false")
	}
	clock.Advance(2 * time.Second)
	if calls != 0 {
		t.Fatalf("stopped deadline fired")
	}
}

func TestSystemClockAfterFunc(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	timers.System().AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("system clock callback did not run")
	}
}

func TestCountdownAnchoredToEarlierStart(t *testing.T) {
	t.Parallel()

	clock := timerstest.NewClock(time.Unix(100, 0))
	start := clock.Now().Add(-300 * time.Millisecond)
	rec := &recorder{}
	c := timers.StartCountdownAt(clock, start, 2, time.Second, rec.report)

	clock.Advance(699 * time.Millisecond)
	if got := rec.snapshot(); !reflect.DeepEqual(got, []int{2}) {
		t.Fatalf("expected only the first value before start+1s, got %v", got)
	}
	clock.Advance(time.Millisecond)
	if got := rec.snapshot(); !reflect.DeepEqual(got, []int{2, 1}) {
		t.Fatalf("expected tick at start+1s, got %v", got)
	}

	clock.Advance(time.Second)
	if got := rec.snapshot(); !reflect.DeepEqual(got, []int{2, 1, 0}) {
		t.Fatalf("unexpected sequence: %v", got)
	}
	if !c.Done() {
		t.Fatalf("expected countdown to finish at start+2s")
	}
}
