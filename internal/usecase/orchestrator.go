package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sonicres/internal/domain"
	"sonicres/internal/ports"
	"sonicres/internal/protocol"
	"sonicres/internal/timers"
)

const (
	ConnectTimeout  = 5 * time.Second
	ChunkInterval   = 250 * time.Millisecond
	CompletionGrace = 100 * time.Millisecond
	DefaultDuration = 10 * time.Second

	SampleRate    = 44100
	Channels      = 1
	BitsPerSecond = 128000

	tickInterval = time.Second
)

// Config controls the listen session.
type Config struct {
	URL      string
	Duration time.Duration
	Clock    timers.Clock
	Logger   *slog.Logger
	Metrics  ports.SessionMetrics
}

// Orchestrator runs one listen session at a time: it connects to the
// recognition service, streams microphone audio for a fixed duration and
// relays the verdict to the registered Listener.
type Orchestrator struct {
	device  ports.CaptureDevice
	dialer  ports.Dialer
	cfg     Config
	clock   timers.Clock
	logger  *slog.Logger
	metrics ports.SessionMetrics

	listenerMu sync.RWMutex
	listener   ports.Listener

	mu      sync.Mutex
	current *session
}

func NewOrchestrator(device ports.CaptureDevice, dialer ports.Dialer, cfg Config) *Orchestrator {
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = timers.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	return &Orchestrator{
		device:   device,
		dialer:   dialer,
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "orchestrator"),
		metrics:  cfg.Metrics,
		listener: ports.NopListener{},
	}
}

// SetListener replaces the registered listener. nil unregisters it.
func (o *Orchestrator) SetListener(l ports.Listener) {
	if l == nil {
		l = ports.NopListener{}
	}
	o.listenerMu.Lock()
	o.listener = l
	o.listenerMu.Unlock()
}

func (o *Orchestrator) events() ports.Listener {
	o.listenerMu.RLock()
	defer o.listenerMu.RUnlock()
	return o.listener
}

// StartRecording connects, acquires the microphone and starts streaming.
// It returns once audio is flowing or the session has failed. A call while a
// session is in flight is ignored.
func (o *Orchestrator) StartRecording(ctx context.Context) error {
	connectCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	o.mu.Lock()
	if o.current != nil {
		state := o.current.state
		o.mu.Unlock()
		o.logger.Warn("recording already in progress", "state", state)
		return nil
	}
	s := newSession(uuid.NewString(), o.cfg.Duration, o.clock.Now())
	s.abortConnect = abort
	o.current = s
	o.mu.Unlock()

	logger := o.logger.With("session_id", s.id)
	o.metrics.SessionStarted()
	logger.Info("starting listen session", "url", o.cfg.URL, "duration", s.duration)

	connectTimer := o.clock.AfterFunc(ConnectTimeout, func() { abort(ports.ErrConnectTimeout) })
	defer connectTimer.Stop()

	transport, err := o.dialer.Dial(connectCtx, o.cfg.URL)
	if err != nil {
		return o.failConnect(s, connectCtx, err)
	}

	o.mu.Lock()
	if o.current != s {
		o.mu.Unlock()
		_ = transport.Close()
		return ErrSessionDestroyed
	}
	s.transport = transport
	o.mu.Unlock()
	go o.consume(s, transport, logger)

	select {
	case <-s.connected:
	case <-connectCtx.Done():
		return o.failConnect(s, connectCtx, nil)
	}
	connectTimer.Stop()
	o.metrics.ConnectLatency(o.clock.Now().Sub(s.startedAt))

	mimeType := o.selectMIMEType()
	if mimeType == "" {
		return o.fail(s, domain.ErrorCodeUnsupportedFormat,
			"No supported audio format available for recording",
			errors.New("no supported audio format"))
	}

	// ffmpeg lives as long as the session, not as long as this call
	handle, err := o.device.Acquire(context.WithoutCancel(ctx), ports.CaptureConstraints{
		MIMEType:         mimeType,
		SampleRate:       SampleRate,
		Channels:         Channels,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		BitsPerSecond:    BitsPerSecond,
	})
	if err != nil {
		return o.fail(s, domain.ErrorCodeDevice, fmt.Sprintf("Failed to access microphone: %v", err), err)
	}

	o.mu.Lock()
	if o.current != s {
		o.mu.Unlock()
		_ = handle.Release()
		return ErrSessionDestroyed
	}
	s.capture = handle
	o.mu.Unlock()

	if err := handle.Start(ChunkInterval, func(chunk []byte) { o.relayChunk(s, chunk) }); err != nil {
		return o.fail(s, domain.ErrorCodeDevice, fmt.Sprintf("Failed to start recording: %v", err), err)
	}

	// deadline and countdown share one anchor so the last tick is due
	// no later than expiry
	captureStart := o.clock.Now()

	o.mu.Lock()
	if o.current != s {
		o.mu.Unlock()
		return ErrSessionDestroyed
	}
	if context.Cause(connectCtx) != nil {
		o.mu.Unlock()
		return o.failConnect(s, connectCtx, nil)
	}
	s.state = domain.SessionStateCapturing
	s.deadline = timers.NewDeadline(o.clock, captureStart.Add(s.duration).Sub(o.clock.Now()), func() { o.expire(s) })
	o.mu.Unlock()
	logger.Info("recording started", "mime_type", mimeType)

	// the first tick is reported synchronously and must not run under mu
	countdown := timers.StartCountdownAt(o.clock, captureStart, int(s.duration/time.Second), tickInterval, func(remaining int) {
		o.reportTick(s, remaining)
	})
	o.mu.Lock()
	if o.current == s && s.state == domain.SessionStateCapturing && !s.stopping {
		s.countdown = countdown
	} else {
		countdown.Stop()
	}
	o.mu.Unlock()
	return nil
}

// StopRecording ends capture early and asks the server for its verdict.
// It does nothing unless a session is capturing.
func (o *Orchestrator) StopRecording() {
	o.mu.Lock()
	s := o.current
	o.mu.Unlock()
	if s != nil {
		o.stop(s)
	}
}

// Destroy tears down any session immediately, whatever its state. No done
// message is sent and no listener callbacks fire.
func (o *Orchestrator) Destroy() {
	o.mu.Lock()
	s := o.current
	if s == nil {
		o.mu.Unlock()
		return
	}
	if s.state == domain.SessionStateCapturing {
		s.state = domain.SessionStateFinalizing
	}
	if s.abortConnect != nil {
		s.abortConnect(ErrSessionDestroyed)
	}
	s.recordOutcomeLocked(o.metrics, domain.OutcomeDestroyed, o.clock.Now())
	rel := o.cleanupLocked(s)
	o.mu.Unlock()

	rel.close()
	o.logger.Info("listen session destroyed", "session_id", s.id)
}

// Status returns the current session state.
func (o *Orchestrator) Status() domain.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return domain.Status{State: domain.SessionStateIdle}
	}
	return domain.Status{
		State:           o.current.state,
		Active:          o.current.state.Active(),
		SessionID:       o.current.id,
		ServerSessionID: o.current.serverSessionID,
	}
}

func (o *Orchestrator) selectMIMEType() string {
	for _, mimeType := range domain.PreferredMIMETypes {
		if o.device.Supports(mimeType) {
			return mimeType
		}
	}
	return ""
}

func (o *Orchestrator) stop(s *session) {
	o.mu.Lock()
	if o.current != s || s.state != domain.SessionStateCapturing || s.stopping {
		o.mu.Unlock()
		return
	}
	s.stopping = true
	s.disarmTimersLocked()
	capture, transport := s.capture, s.transport
	o.mu.Unlock()

	// Stop flushes the encoder, so the last chunk goes out before done
	if capture != nil {
		if err := capture.Stop(); err != nil {
			o.logger.Warn("failed to stop capture cleanly", "session_id", s.id, "error", err)
		}
	}

	doneErr := ports.ErrNotOpen
	if transport != nil && transport.IsOpen() {
		doneErr = transport.SendControl(protocol.Done())
	}

	if capture != nil {
		if err := capture.Release(); err != nil {
			o.logger.Warn("failed to release capture", "session_id", s.id, "error", err)
		}
	}

	o.mu.Lock()
	if o.current != s || s.state != domain.SessionStateCapturing {
		o.mu.Unlock()
		return
	}
	s.capture = nil
	if doneErr != nil {
		o.mu.Unlock()
		_ = o.fail(s, domain.ErrorCodeTransportLost, "Connection lost during recording", doneErr)
		return
	}
	s.doneSent = true
	s.state = domain.SessionStateFinalizing
	o.mu.Unlock()

	o.logger.Info("recording stopped, waiting for result", "session_id", s.id)
}

// expire runs when the recording duration elapses.
func (o *Orchestrator) expire(s *session) {
	o.mu.Lock()
	if o.current != s || s.state != domain.SessionStateCapturing || s.stopping {
		o.mu.Unlock()
		return
	}
	countdown := s.countdown
	o.mu.Unlock()

	// the final tick can be due at the same instant as the deadline
	if countdown != nil {
		countdown.Drain()
	}
	o.stop(s)
}

func (o *Orchestrator) reportTick(s *session, remaining int) {
	o.mu.Lock()
	live := o.current == s && s.state == domain.SessionStateCapturing && !s.stopping
	o.mu.Unlock()
	if live {
		o.events().OnRecording(remaining)
	}
}

func (o *Orchestrator) failConnect(s *session, ctx context.Context, dialErr error) error {
	cause := context.Cause(ctx)
	var srvErr *serverError
	switch {
	case errors.Is(cause, ErrSessionDestroyed):
		return ErrSessionDestroyed
	case errors.Is(cause, ports.ErrConnectTimeout), cause == nil && errors.Is(dialErr, ports.ErrConnectTimeout):
		return o.fail(s, domain.ErrorCodeConnectTimeout,
			fmt.Sprintf("connection timeout: no response from recognition service within %s", ConnectTimeout),
			fmt.Errorf("%w after %s", ports.ErrConnectTimeout, ConnectTimeout))
	case errors.As(cause, &srvErr):
		return o.fail(s, domain.ErrorCodeServer, srvErr.message, srvErr)
	case errors.Is(cause, errTransportLost):
		return o.fail(s, domain.ErrorCodeTransportLost, "connection lost before recording started", cause)
	case cause != nil:
		return o.fail(s, domain.ErrorCodeConnect, "connection cancelled", cause)
	default:
		return o.fail(s, domain.ErrorCodeConnect, fmt.Sprintf("connection failed: %v", dialErr), dialErr)
	}
}

// fail moves the session to failed, releases everything it owns and reports
// message to the listener.
func (o *Orchestrator) fail(s *session, code domain.ErrorCode, message string, err error) error {
	o.mu.Lock()
	if o.current != s {
		o.mu.Unlock()
		return ErrSessionDestroyed
	}
	s.state = domain.SessionStateFailed
	s.recordOutcomeLocked(o.metrics, domain.OutcomeFailed, o.clock.Now())
	rel := o.cleanupLocked(s)
	o.mu.Unlock()

	rel.close()
	o.logger.Error("listen session failed", "session_id", s.id, "code", code, "error", err)
	o.events().OnError(message)
	return &SessionError{Code: code, Err: err}
}

// cleanupLocked detaches what the session owns. The transport stays attached
// while capturing; in every other state the session is dropped.
func (o *Orchestrator) cleanupLocked(s *session) released {
	s.disarmTimersLocked()
	rel := released{capture: s.capture}
	s.capture = nil

	if s.state == domain.SessionStateCapturing {
		s.state = domain.SessionStateFinalizing
		return rel
	}

	rel.transport = s.transport
	s.transport = nil
	if o.current == s {
		o.current = nil
	}
	return rel
}
