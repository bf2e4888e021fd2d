package usecase

import (
	"log/slog"
	"math"
	"strings"

	"sonicres/internal/domain"
	"sonicres/internal/protocol"
)

// normalizeResult zeroes non-finite confidences and fills in the default
// no-match message.
func normalizeResult(raw domain.Result) domain.Result {
	result := domain.Result{Type: raw.Type, Message: raw.Message}
	if len(raw.Matches) > 0 {
		result.Matches = make([]domain.Match, len(raw.Matches))
		for i, match := range raw.Matches {
			if math.IsNaN(match.Confidence) || math.IsInf(match.Confidence, 0) {
				match.Confidence = 0
			}
			result.Matches[i] = match
		}
	}
	if result.Type == domain.ResultTypeNoMatch && strings.TrimSpace(result.Message) == "" {
		result.Message = domain.DefaultNoMatchMessage
	}
	return result
}

// complete relays the server's verdict and schedules the session release.
func (o *Orchestrator) complete(s *session, env protocol.Envelope, logger *slog.Logger) {
	raw, err := protocol.DecodeResult(env)
	if err != nil {
		o.anomaly(logger, "decode", env.Type, err)
		return
	}
	result := normalizeResult(raw)

	o.mu.Lock()
	state := s.state
	if o.current != s || (state != domain.SessionStateCapturing && state != domain.SessionStateFinalizing) {
		o.mu.Unlock()
		logger.Warn("ignoring result outside an active recording", "state", state)
		return
	}
	s.disarmTimersLocked()
	rel := released{capture: s.capture}
	s.capture = nil
	s.state = domain.SessionStateCompleted

	outcome := domain.OutcomeMatch
	if result.Type == domain.ResultTypeNoMatch {
		outcome = domain.OutcomeNoMatch
	}
	s.recordOutcomeLocked(o.metrics, outcome, o.clock.Now())
	s.grace = o.clock.AfterFunc(CompletionGrace, func() { o.release(s) })
	o.mu.Unlock()

	rel.close()
	logger.Info("recognition finished", "result", result.Type, "matches", len(result.Matches))

	listener := o.events()
	listener.OnResult(result)
	listener.OnComplete()
}

// release drops a completed session once the grace delay has passed.
func (o *Orchestrator) release(s *session) {
	o.mu.Lock()
	if o.current != s || s.state != domain.SessionStateCompleted {
		o.mu.Unlock()
		return
	}
	s.grace = nil
	rel := o.cleanupLocked(s)
	o.mu.Unlock()

	rel.close()
}
