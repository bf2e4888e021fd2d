package usecase

import (
	"errors"
	"fmt"
	"log/slog"

	"sonicres/internal/domain"
	"sonicres/internal/ports"
	"sonicres/internal/protocol"
)

// consume handles inbound messages until the transport's stream ends.
func (o *Orchestrator) consume(s *session, transport ports.Transport, logger *slog.Logger) {
	for env := range transport.Messages() {
		o.handleMessage(s, env, logger)
	}
	o.handleClosed(s, transport, logger)
}

func (o *Orchestrator) handleMessage(s *session, env protocol.Envelope, logger *slog.Logger) {
	switch env.Type {
	case protocol.TypeConnected:
		o.handleConnected(s, env, logger)
	case protocol.TypeAck:
		ack, err := protocol.DecodeAck(env)
		if err != nil {
			o.anomaly(logger, "decode", env.Type, err)
			return
		}
		logger.Debug("chunk acknowledged", "bytes", ack.Bytes, "total_bytes", ack.TotalBytes)
	case protocol.TypeProcessing:
		msg, err := protocol.DecodeProcessing(env)
		if err != nil {
			o.anomaly(logger, "decode", env.Type, err)
		}
		if !o.isCurrent(s) {
			return
		}
		logger.Info("server is processing audio", "message", msg.Message)
		o.events().OnProcessing()
	case protocol.TypeResult, protocol.TypeNoMatch:
		o.complete(s, env, logger)
	case protocol.TypeError:
		o.handleServerError(s, env, logger)
	default:
		o.anomaly(logger, "unknown_type", env.Type, nil)
	}
}

func (o *Orchestrator) handleConnected(s *session, env protocol.Envelope, logger *slog.Logger) {
	msg, err := protocol.DecodeConnected(env)
	if err != nil {
		o.anomaly(logger, "decode", env.Type, err)
	}

	o.mu.Lock()
	state := s.state
	if o.current != s || state != domain.SessionStateConnecting || s.connectSeen {
		o.mu.Unlock()
		logger.Debug("ignoring connected acknowledgement", "state", state)
		return
	}
	s.connectSeen = true
	s.serverSessionID = msg.SessionID
	o.mu.Unlock()

	logger.Info("connected to recognition service", "server_session_id", msg.SessionID)
	o.events().OnConnected()
	// released after the callback so OnConnected precedes the first tick
	close(s.connected)
}

func (o *Orchestrator) handleServerError(s *session, env protocol.Envelope, logger *slog.Logger) {
	msg, err := protocol.DecodeError(env)
	if err != nil {
		o.anomaly(logger, "decode", env.Type, err)
	}
	message := msg.Message
	if message == "" {
		message = "Recognition service error"
	}

	o.mu.Lock()
	if o.current != s {
		o.mu.Unlock()
		return
	}
	switch state := s.state; state {
	case domain.SessionStateConnecting:
		s.abortConnect(&serverError{message: message})
		o.mu.Unlock()
	case domain.SessionStateCapturing, domain.SessionStateFinalizing:
		o.mu.Unlock()
		_ = o.fail(s, domain.ErrorCodeServer, message, &serverError{message: message})
	default:
		o.mu.Unlock()
		logger.Warn("ignoring server error after completion", "state", state, "message", message)
	}
}

// handleClosed reacts to a transport the orchestrator did not close itself.
func (o *Orchestrator) handleClosed(s *session, transport ports.Transport, logger *slog.Logger) {
	cause := transport.Err()
	lost := errTransportLost
	if cause != nil {
		lost = fmt.Errorf("%w: %w", errTransportLost, cause)
	}

	o.mu.Lock()
	if o.current != s || s.transport != transport {
		o.mu.Unlock()
		return
	}
	switch state := s.state; state {
	case domain.SessionStateConnecting:
		s.abortConnect(lost)
		o.mu.Unlock()
	case domain.SessionStateCapturing:
		o.mu.Unlock()
		_ = o.fail(s, domain.ErrorCodeTransportLost, "connection lost during recording", lost)
	case domain.SessionStateFinalizing:
		o.mu.Unlock()
		_ = o.fail(s, domain.ErrorCodeTransportLost, "connection lost before a result was received", lost)
	default:
		o.mu.Unlock()
		logger.Debug("transport closed", "state", state)
	}
}

func (o *Orchestrator) isCurrent(s *session) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current == s
}

// anomaly records an inbound message that was absorbed without effect.
func (o *Orchestrator) anomaly(logger *slog.Logger, kind string, msgType string, err error) {
	o.metrics.ProtocolAnomaly(kind)
	if err == nil {
		logger.Warn("ignoring server message", "kind", kind, "type", msgType)
		return
	}
	if !errors.Is(err, protocol.ErrMalformed) {
		err = fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}
	logger.Warn("ignoring server message", "kind", kind, "type", msgType, "error", err)
}
