package usecase

import (
	"context"
	"time"

	"sonicres/internal/domain"
	"sonicres/internal/ports"
	"sonicres/internal/timers"
)

// session is one listen attempt. Every field is guarded by Orchestrator.mu.
type session struct {
	id        string
	state     domain.SessionState
	startedAt time.Time
	duration  time.Duration

	transport ports.Transport
	capture   ports.CaptureHandle
	deadline  *timers.Deadline
	countdown *timers.Countdown
	grace     timers.Timer

	// abortConnect ends the connect phase early with a cause.
	abortConnect context.CancelCauseFunc
	connected    chan struct{}
	connectSeen  bool

	serverSessionID string
	stopping        bool
	doneSent        bool
	outcomeSeen     bool
}

func newSession(id string, duration time.Duration, now time.Time) *session {
	return &session{
		id:        id,
		state:     domain.SessionStateConnecting,
		startedAt: now,
		duration:  duration,
		connected: make(chan struct{}),
	}
}

// disarmTimersLocked cancels every timer the session owns.
func (s *session) disarmTimersLocked() {
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
	if s.countdown != nil {
		s.countdown.Stop()
		s.countdown = nil
	}
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
}

// recordOutcomeLocked reports the session outcome once.
func (s *session) recordOutcomeLocked(metrics ports.SessionMetrics, outcome domain.Outcome, now time.Time) {
	if s.outcomeSeen {
		return
	}
	s.outcomeSeen = true
	metrics.SessionFinished(outcome, now.Sub(s.startedAt))
}

// released holds the handles taken off a session, to be closed outside the lock.
type released struct {
	capture   ports.CaptureHandle
	transport ports.Transport
}

func (r released) close() {
	if r.capture != nil {
		_ = r.capture.Stop()
		_ = r.capture.Release()
	}
	if r.transport != nil {
		_ = r.transport.Close()
	}
}
