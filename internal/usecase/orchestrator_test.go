package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sonicres/internal/domain"
	"sonicres/internal/ports"
	"sonicres/internal/ports/portstest"
	"sonicres/internal/timers/timerstest"
)

const waitTimeout = 2 * time.Second

type harness struct {
	device   *portstest.CaptureDevice
	dialer   *portstest.Dialer
	clock    *timerstest.Clock
	listener *portstest.Listener
	metrics  *fakeMetrics
	orch     *Orchestrator
}

func newHarness(t *testing.T, duration time.Duration) *harness {
	t.Helper()

	h := &harness{
		device:   &portstest.CaptureDevice{},
		dialer:   &portstest.Dialer{AutoConnect: true},
		clock:    timerstest.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		listener: &portstest.Listener{},
		metrics:  &fakeMetrics{},
	}
	h.orch = NewOrchestrator(h.device, h.dialer, Config{
		URL:      "ws://recognizer.test/ws/audio",
		Duration: duration,
		Clock:    h.clock,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  h.metrics,
	})
	h.orch.SetListener(h.listener)
	t.Cleanup(h.orch.Destroy)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.orch.StartRecording(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if state := h.orch.Status().State; state != domain.SessionStateCapturing {
		t.Fatalf("expected capturing after start, got %s", state)
	}
}

// startAsync runs StartRecording in the background once the dialer is
// watched, and returns the channel carrying its error.
func (h *harness) startAsync(t *testing.T) <-chan error {
	t.Helper()
	dialing := h.dialer.Dialing()
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.orch.StartRecording(context.Background())
	}()
	select {
	case <-dialing:
	case <-time.After(waitTimeout):
		t.Fatalf("dial was never attempted")
	}
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(waitTimeout):
		t.Fatalf("StartRecording did not return")
	}
	return nil
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func requireCode(t *testing.T, err error, code domain.ErrorCode) {
	t.Helper()
	var sessionErr *SessionError
	if !errors.As(err, &sessionErr) {
		t.Fatalf("expected *SessionError, got %T: %v", err, err)
	}
	if sessionErr.Code != code {
		t.Fatalf("expected code %s, got %s (%v)", code, sessionErr.Code, err)
	}
}

func kinds(events []portstest.Event) []portstest.EventKind {
	out := make([]portstest.EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func TestOrchestratorResultAfterFullDuration(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.start(t)

	constraints := h.device.Constraints()
	if constraints.MIMEType != "audio/webm;codecs=opus" || constraints.SampleRate != 44100 || constraints.Channels != 1 {
		t.Fatalf("unexpected constraints: %+v", constraints)
	}
	if !constraints.EchoCancellation || !constraints.NoiseSuppression || !constraints.AutoGainControl || constraints.BitsPerSecond != 128000 {
		t.Fatalf("unexpected processing constraints: %+v", constraints)
	}

	handle := h.device.Handle(0)
	if handle.Interval() != ChunkInterval {
		t.Fatalf("unexpected chunk interval: %s", handle.Interval())
	}
	if !handle.Emit([]byte("chunk-1")) {
		t.Fatalf("expected chunk to be delivered")
	}
	transport := h.dialer.Transport(0)
	if got := transport.Binary(); len(got) != 1 || string(got[0]) != "chunk-1" {
		t.Fatalf("unexpected binary frames: %q", got)
	}

	h.clock.Advance(10 * time.Second)
	if state := h.orch.Status().State; state != domain.SessionStateFinalizing {
		t.Fatalf("expected finalizing after duration, got %s", state)
	}
	if got := transport.Controls(); !reflect.DeepEqual(got, []string{`{"type":"done"}`}) {
		t.Fatalf("unexpected control frames: %v", got)
	}
	if handle.ReleaseCalls() == 0 {
		t.Fatalf("expected capture to be released")
	}

	h.clock.Advance(3 * time.Second)
	transport.Deliver(`{"type":"result","matches":[{"trackId":"t-1","title":"Song","artist":"Band","confidence":0.93}]}`)
	if !h.listener.WaitFor(portstest.EventComplete, 1, waitTimeout) {
		t.Fatalf("expected completion")
	}
	if state := h.orch.Status().State; state != domain.SessionStateCompleted {
		t.Fatalf("expected completed before grace delay, got %s", state)
	}
	if transport.CloseCalls() != 0 {
		t.Fatalf("transport closed before grace delay")
	}

	h.clock.Advance(CompletionGrace)
	if state := h.orch.Status().State; state != domain.SessionStateIdle {
		t.Fatalf("expected idle after grace delay, got %s", state)
	}
	if transport.CloseCalls() != 1 {
		t.Fatalf("expected transport to be closed once, got %d", transport.CloseCalls())
	}

	want := []int{10, 9, 8, 7, 6, 5, 4, 3, 2, 1, 0}
	if got := h.listener.Seconds(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected countdown: %v", got)
	}

	events := h.listener.Events()
	wantKinds := []portstest.EventKind{portstest.EventConnected}
	for range want {
		wantKinds = append(wantKinds, portstest.EventRecording)
	}
	wantKinds = append(wantKinds, portstest.EventResult, portstest.EventComplete)
	if got := kinds(events); !reflect.DeepEqual(got, wantKinds) {
		t.Fatalf("unexpected event order: %v", got)
	}

	result := events[len(events)-2].Result
	if result.Type != domain.ResultTypeMatch || len(result.Matches) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Matches[0].TrackID != "t-1" || result.Matches[0].Confidence != 0.93 {
		t.Fatalf("unexpected match: %+v", result.Matches[0])
	}

	if h.metrics.outcome(domain.OutcomeMatch) != 1 || h.metrics.sent() != 1 {
		t.Fatalf("unexpected metrics: %+v", h.metrics.snapshot())
	}
}

func TestOrchestratorConnectTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.dialer.Block = true

	errCh := h.startAsync(t)
	h.clock.Advance(ConnectTimeout)
	err := waitErr(t, errCh)

	requireCode(t, err, domain.ErrorCodeConnectTimeout)
	if !errors.Is(err, ports.ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout, got %v", err)
	}
	if h.listener.Count(portstest.EventConnected) != 0 {
		t.Fatalf("unexpected connected event")
	}
	events := h.listener.Events()
	if len(events) != 1 || events[0].Kind != portstest.EventError || !strings.Contains(events[0].Message, "timeout") {
		t.Fatalf("expected a single timeout error, got %+v", events)
	}
	if h.device.AcquireCalls() != 0 || len(h.device.Probes()) != 0 {
		t.Fatalf("device must not be touched before connecting")
	}
	if state := h.orch.Status().State; state != domain.SessionStateIdle {
		t.Fatalf("expected idle, got %s", state)
	}
	if h.metrics.outcome(domain.OutcomeFailed) != 1 {
		t.Fatalf("expected failed outcome")
	}
}

func TestOrchestratorConnectTimeoutWaitingForAck(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.dialer.AutoConnect = false

	errCh := h.startAsync(t)
	waitUntil(t, "transport", func() bool { return h.dialer.Transport(0) != nil })
	h.clock.Advance(ConnectTimeout)

	requireCode(t, waitErr(t, errCh), domain.ErrorCodeConnectTimeout)
	if h.dialer.Transport(0).CloseCalls() != 1 {
		t.Fatalf("expected transport to be closed")
	}
	if h.device.AcquireCalls() != 0 {
		t.Fatalf("device must not be acquired without acknowledgement")
	}
}

func TestOrchestratorConnectFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.dialer.Err = errors.New("dial tcp: connection refused")

	err := h.orch.StartRecording(context.Background())
	requireCode(t, err, domain.ErrorCodeConnect)
	if h.listener.Count(portstest.EventError) != 1 {
		t.Fatalf("expected one error event")
	}
	if h.orch.Status().Active {
		t.Fatalf("expected inactive orchestrator")
	}
}

func TestOrchestratorCallerCancelWhileConnecting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.dialer.Block = true

	ctx, cancel := context.WithCancel(context.Background())
	dialing := h.dialer.Dialing()
	errCh := make(chan error, 1)
	go func() { errCh <- h.orch.StartRecording(ctx) }()
	<-dialing
	cancel()

	err := waitErr(t, errCh)
	requireCode(t, err, domain.ErrorCodeConnect)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOrchestratorManualStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.start(t)
	transport := h.dialer.Transport(0)
	handle := h.device.Handle(0)

	h.clock.Advance(4 * time.Second)
	h.orch.StopRecording()

	if got := transport.Controls(); len(got) != 1 || got[0] != `{"type":"done"}` {
		t.Fatalf("expected exactly one done message, got %v", got)
	}
	if handle.StopCalls() != 1 || handle.ReleaseCalls() != 1 {
		t.Fatalf("expected capture stopped and released once, got %d/%d", handle.StopCalls(), handle.ReleaseCalls())
	}
	if !transport.IsOpen() || transport.CloseCalls() != 0 {
		t.Fatalf("transport must stay open until the server responds")
	}
	if h.clock.Pending() != 0 {
		t.Fatalf("expected all timers cancelled, %d pending", h.clock.Pending())
	}
	if state := h.orch.Status().State; state != domain.SessionStateFinalizing {
		t.Fatalf("expected finalizing, got %s", state)
	}

	h.clock.Advance(10 * time.Second)
	h.orch.StopRecording()
	if got := h.listener.Seconds(); !reflect.DeepEqual(got, []int{10, 9, 8, 7, 6}) {
		t.Fatalf("unexpected countdown: %v", got)
	}
	if len(transport.Controls()) != 1 {
		t.Fatalf("done must be sent at most once")
	}

	transport.Deliver(`{"type":"processing","message":"matching"}`)
	transport.Deliver(`{"type":"no-match"}`)
	if !h.listener.WaitFor(portstest.EventComplete, 1, waitTimeout) {
		t.Fatalf("expected completion")
	}
	if h.listener.Count(portstest.EventProcessing) != 1 {
		t.Fatalf("expected processing event")
	}

	var result domain.Result
	for _, e := range h.listener.Events() {
		if e.Kind == portstest.EventResult {
			result = e.Result
		}
	}
	if result.Type != domain.ResultTypeNoMatch || result.Message != domain.DefaultNoMatchMessage {
		t.Fatalf("unexpected no-match result: %+v", result)
	}

	h.clock.Advance(CompletionGrace)
	if transport.CloseCalls() != 1 || h.orch.Status().State != domain.SessionStateIdle {
		t.Fatalf("expected session released after grace delay")
	}
}

func TestOrchestratorIgnoresUnknownMessages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.start(t)
	transport := h.dialer.Transport(0)

	before := h.orch.Status()
	transport.Deliver(`{"type":"ping"}`)
	transport.Deliver(`{"type":"ack","bytes":512,"totalBytes":1024}`)
	transport.Deliver(`{"type":42}`)
	// processing is handled after the others, so it marks them as consumed
	transport.Deliver(`{"type":"processing"}`)
	if !h.listener.WaitFor(portstest.EventProcessing, 1, waitTimeout) {
		t.Fatalf("expected processing event")
	}

	got := kinds(h.listener.Events())
	want := []portstest.EventKind{portstest.EventConnected, portstest.EventRecording, portstest.EventProcessing}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected events: %v", got)
	}
	if after := h.orch.Status(); after != before {
		t.Fatalf("state changed: %+v -> %+v", before, after)
	}
	if h.metrics.anomalies("unknown_type") != 2 {
		t.Fatalf("expected two unknown message anomalies, got %+v", h.metrics.snapshot())
	}
}

func TestOrchestratorProcessingWithBadPayload(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.start(t)

	h.dialer.Transport(0).Deliver(`{"type":"processing","message":7}`)
	if !h.listener.WaitFor(portstest.EventProcessing, 1, waitTimeout) {
		t.Fatalf("expected processing event despite the bad message field")
	}
	if h.metrics.anomalies("decode") != 1 {
		t.Fatalf("expected one decode anomaly, got %+v", h.metrics.snapshot())
	}
	if state := h.orch.Status().State; state != domain.SessionStateCapturing {
		t.Fatalf("expected capturing, got %s", state)
	}
}

func TestOrchestratorCountdownTicks(t *testing.T) {
	t.Parallel()

	cases := []struct {
		duration time.Duration
		want     []int
	}{
		{duration: 999 * time.Millisecond, want: []int{0}},
		{duration: time.Second, want: []int{1, 0}},
		{duration: 2500 * time.Millisecond, want: []int{2, 1, 0}},
		{duration: 5 * time.Second, want: []int{5, 4, 3, 2, 1, 0}},
	}

	for _, tc := range cases {
		h := newHarness(t, tc.duration)
		h.start(t)
		h.clock.Advance(tc.duration)

		if got := h.listener.Seconds(); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("duration %s: expected %v, got %v", tc.duration, tc.want, got)
		}
		if state := h.orch.Status().State; state != domain.SessionStateFinalizing {
			t.Fatalf("duration %s: expected finalizing, got %s", tc.duration, state)
		}
	}
}

func TestOrchestratorStartWhileActiveIsIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.start(t)
	before := h.orch.Status()

	if err := h.orch.StartRecording(context.Background()); err != nil {
		t.Fatalf("expected nil for a second start, got %v", err)
	}
	if len(h.dialer.URLs()) != 1 || h.device.AcquireCalls() != 1 {
		t.Fatalf("second start must not open resources")
	}
	if after := h.orch.Status(); after != before {
		t.Fatalf("second start changed the session: %+v -> %+v", before, after)
	}
	if before.SessionID == "" || before.ServerSessionID != "fake-session" {
		t.Fatalf("unexpected session ids: %+v", before)
	}
}

func TestOrchestratorStopWhenIdleIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.orch.StopRecording()
	h.orch.StopRecording()

	if len(h.listener.Events()) != 0 {
		t.Fatalf("unexpected events: %+v", h.listener.Events())
	}
	if state := h.orch.Status().State; state != domain.SessionStateIdle {
		t.Fatalf("expected idle, got %s", state)
	}
}

func TestOrchestratorUnsupportedFormat(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.device.Supported = map[string]bool{}

	err := h.orch.StartRecording(context.Background())
	requireCode(t, err, domain.ErrorCodeUnsupportedFormat)

	if got := h.device.Probes(); !reflect.DeepEqual(got, domain.PreferredMIMETypes) {
		t.Fatalf("unexpected probe order: %v", got)
	}
	if h.device.AcquireCalls() != 0 {
		t.Fatalf("device must not be acquired")
	}
	if h.dialer.Transport(0).CloseCalls() != 1 {
		t.Fatalf("expected transport to be closed")
	}
	if h.listener.Count(portstest.EventError) != 1 || h.listener.Count(portstest.EventRecording) != 0 {
		t.Fatalf("unexpected events: %+v", h.listener.Events())
	}
}

func TestOrchestratorSelectsFirstSupportedFormat(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.device.Supported = map[string]bool{"audio/ogg;codecs=opus": true, "audio/mp4": true}
	h.start(t)

	if got := h.device.Constraints().MIMEType; got != "audio/ogg;codecs=opus" {
		t.Fatalf("unexpected format: %q", got)
	}
}

func TestOrchestratorDeviceError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.device.AcquireErr = errors.New("permission denied")

	err := h.orch.StartRecording(context.Background())
	requireCode(t, err, domain.ErrorCodeDevice)

	events := h.listener.Events()
	if len(events) != 2 || events[0].Kind != portstest.EventConnected || events[1].Kind != portstest.EventError {
		t.Fatalf("unexpected events: %+v", events)
	}
	if !strings.Contains(events[1].Message, "permission denied") {
		t.Fatalf("unexpected error message: %q", events[1].Message)
	}
	if h.dialer.Transport(0).CloseCalls() != 1 || h.clock.Pending() != 0 {
		t.Fatalf("expected full cleanup")
	}
}

func TestOrchestratorCaptureStartError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	device := &failingStartDevice{CaptureDevice: h.device}
	h.orch.device = device

	err := h.orch.StartRecording(context.Background())
	requireCode(t, err, domain.ErrorCodeDevice)
	if handle := h.device.Handle(0); handle == nil || handle.ReleaseCalls() == 0 {
		t.Fatalf("expected acquired handle to be released")
	}
}

func TestOrchestratorServerErrorDuringCapture(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.start(t)
	transport := h.dialer.Transport(0)

	transport.Deliver(`{"type":"error","message":"Audio buffer overflow"}`)
	if !h.listener.WaitFor(portstest.EventError, 1, waitTimeout) {
		t.Fatalf("expected error event")
	}

	events := h.listener.Events()
	if last := events[len(events)-1]; last.Message != "Audio buffer overflow" {
		t.Fatalf("expected verbatim server message, got %q", last.Message)
	}
	if state := h.orch.Status().State; state != domain.SessionStateIdle {
		t.Fatalf("expected idle, got %s", state)
	}
	if transport.CloseCalls() != 1 || h.device.Handle(0).ReleaseCalls() == 0 {
		t.Fatalf("expected transport closed and capture released")
	}
	if h.listener.Count(portstest.EventComplete) != 0 {
		t.Fatalf("unexpected completion")
	}

	h.clock.Advance(20 * time.Second)
	if len(h.listener.Seconds()) != 1 {
		t.Fatalf("countdown kept running after failure: %v", h.listener.Seconds())
	}
}

func TestOrchestratorServerErrorWhileConnecting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.dialer.AutoConnect = false

	errCh := h.startAsync(t)
	waitUntil(t, "transport", func() bool { return h.dialer.Transport(0) != nil })
	h.dialer.Transport(0).Deliver(`{"type":"error","message":"Server at capacity"}`)

	err := waitErr(t, errCh)
	requireCode(t, err, domain.ErrorCodeServer)
	events := h.listener.Events()
	if len(events) != 1 || events[0].Message != "Server at capacity" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestOrchestratorTransportLossDuringCapture(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.start(t)

	h.dialer.Transport(0).Drop(errors.New("connection reset by peer"))
	if !h.listener.WaitFor(portstest.EventError, 1, waitTimeout) {
		t.Fatalf("expected error event")
	}

	events := h.listener.Events()
	if last := events[len(events)-1]; !strings.HasPrefix(last.Message, "connection lost") {
		t.Fatalf("unexpected error message: %q", last.Message)
	}
	if state := h.orch.Status().State; state != domain.SessionStateIdle {
		t.Fatalf("expected idle, got %s", state)
	}
	if h.device.Handle(0).ReleaseCalls() == 0 {
		t.Fatalf("expected capture released")
	}
}

func TestOrchestratorTransportLossWhileFinalizing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.start(t)
	h.orch.StopRecording()

	h.dialer.Transport(0).Drop(nil)
	if !h.listener.WaitFor(portstest.EventError, 1, waitTimeout) {
		t.Fatalf("expected error event")
	}
	if h.orch.Status().State != domain.SessionStateIdle {
		t.Fatalf("expected idle")
	}
	if h.listener.Count(portstest.EventComplete) != 0 {
		t.Fatalf("unexpected completion")
	}
}

func TestOrchestratorDoneNotDeliverable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.start(t)
	transport := h.dialer.Transport(0)
	transport.ControlErr = errors.New("broken pipe")

	h.orch.StopRecording()

	events := h.listener.Events()
	if last := events[len(events)-1]; last.Kind != portstest.EventError || last.Message != "Connection lost during recording" {
		t.Fatalf("unexpected last event: %+v", last)
	}
	if h.device.Handle(0).ReleaseCalls() == 0 || transport.CloseCalls() != 1 {
		t.Fatalf("expected teardown to complete")
	}
	if h.orch.Status().State != domain.SessionStateIdle {
		t.Fatalf("expected idle")
	}
}

func TestOrchestratorDestroyDuringCapture(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.start(t)
	transport := h.dialer.Transport(0)

	var closedWhileCapturing atomic.Bool
	transport.OnClose = func() {
		if h.orch.Status().State == domain.SessionStateCapturing {
			closedWhileCapturing.Store(true)
		}
		if h.device.Handle(0).StopCalls() == 0 {
			closedWhileCapturing.Store(true)
		}
	}

	eventsBefore := len(h.listener.Events())
	h.orch.Destroy()
	h.orch.Destroy()

	if closedWhileCapturing.Load() {
		t.Fatalf("transport closed before capture stopped")
	}
	if transport.CloseCalls() != 1 || len(transport.Controls()) != 0 {
		t.Fatalf("expected close without done, got %d closes and %v", transport.CloseCalls(), transport.Controls())
	}
	h.clock.Advance(time.Minute)
	if len(h.listener.Events()) != eventsBefore {
		t.Fatalf("destroy must not fire callbacks: %+v", h.listener.Events()[eventsBefore:])
	}
	if h.metrics.outcome(domain.OutcomeDestroyed) != 1 {
		t.Fatalf("expected destroyed outcome")
	}

	// the orchestrator is reusable
	h.start(t)
	if h.dialer.Transport(1) == nil {
		t.Fatalf("expected a fresh transport")
	}
}

func TestOrchestratorDestroyWhileConnecting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.dialer.Block = true

	errCh := h.startAsync(t)
	h.orch.Destroy()

	if err := waitErr(t, errCh); !errors.Is(err, ErrSessionDestroyed) {
		t.Fatalf("expected ErrSessionDestroyed, got %v", err)
	}
	if len(h.listener.Events()) != 0 {
		t.Fatalf("destroy must not fire callbacks: %+v", h.listener.Events())
	}
	if h.orch.Status().State != domain.SessionStateIdle {
		t.Fatalf("expected idle")
	}
}

func TestOrchestratorCleanupKeepsTransportWhileCapturing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	h.start(t)
	transport := h.dialer.Transport(0)

	h.orch.mu.Lock()
	s := h.orch.current
	rel := h.orch.cleanupLocked(s)
	again := h.orch.cleanupLocked(s)
	h.orch.mu.Unlock()
	rel.close()
	again.close()

	if rel.transport != nil || again.transport == nil {
		t.Fatalf("transport must be kept while capturing and released afterwards")
	}
	if rel.capture == nil || again.capture != nil {
		t.Fatalf("capture must be released exactly once")
	}
	if transport.CloseCalls() != 1 {
		t.Fatalf("expected one close, got %d", transport.CloseCalls())
	}
	if h.orch.Status().State != domain.SessionStateIdle {
		t.Fatalf("expected idle")
	}
}

func TestOrchestratorDropsChunksWhenTransportClosed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	transport := portstest.NewTransport()
	transport.Drop(nil)

	s := newSession("s", time.Second, h.clock.Now())
	s.transport = transport
	h.orch.mu.Lock()
	h.orch.current = s
	h.orch.mu.Unlock()

	h.orch.relayChunk(s, []byte("late"))
	h.orch.relayChunk(s, nil)

	if len(transport.Binary()) != 0 {
		t.Fatalf("chunk must not be queued")
	}
	if h.metrics.dropped() != 1 {
		t.Fatalf("expected one dropped chunk, got %d", h.metrics.dropped())
	}
}

func TestOrchestratorListenerMayReenter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2*time.Second)
	var statuses []domain.SessionState
	var mu sync.Mutex
	h.listener.Hook = func(portstest.Event) {
		state := h.orch.Status().State
		h.orch.StopRecording()
		mu.Lock()
		statuses = append(statuses, state)
		mu.Unlock()
	}

	if err := h.orch.StartRecording(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// the first recording tick stops the session from inside the callback
	if state := h.orch.Status().State; state != domain.SessionStateFinalizing {
		t.Fatalf("expected finalizing, got %s", state)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 2 || statuses[1] != domain.SessionStateCapturing {
		t.Fatalf("unexpected states seen by listener: %v", statuses)
	}
}

func TestOrchestratorSetListenerReplaces(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10*time.Second)
	replacement := &portstest.Listener{}
	h.orch.SetListener(replacement)
	h.start(t)

	if len(h.listener.Events()) != 0 {
		t.Fatalf("replaced listener still received events")
	}
	if replacement.Count(portstest.EventConnected) != 1 {
		t.Fatalf("expected replacement to receive events")
	}

	h.orch.SetListener(nil)
	h.clock.Advance(time.Second)
	if len(replacement.Seconds()) != 1 {
		t.Fatalf("unregistered listener received ticks: %v", replacement.Seconds())
	}
}

func TestNewOrchestratorDefaults(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(&portstest.CaptureDevice{}, &portstest.Dialer{}, Config{})
	if o.cfg.Duration != DefaultDuration {
		t.Fatalf("unexpected default duration: %s", o.cfg.Duration)
	}
	if o.clock == nil || o.metrics == nil || o.logger == nil {
		t.Fatalf("expected defaults to be filled")
	}
	if status := o.Status(); status.State != domain.SessionStateIdle || status.Active {
		t.Fatalf("unexpected initial status: %+v", status)
	}
}

type failingStartDevice struct {
	*portstest.CaptureDevice
}

func (d *failingStartDevice) Acquire(ctx context.Context, c ports.CaptureConstraints) (ports.CaptureHandle, error) {
	handle, err := d.CaptureDevice.Acquire(ctx, c)
	if err != nil {
		return nil, err
	}
	handle.(*portstest.CaptureHandle).StartErr = errors.New("encoder failed")
	return handle, nil
}

type fakeMetrics struct {
	mu          sync.Mutex
	started     int
	outcomes    map[domain.Outcome]int
	chunksSent  int
	chunksLost  int
	anomalyKind map[string]int
}

func (m *fakeMetrics) SessionStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *fakeMetrics) SessionFinished(outcome domain.Outcome, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[domain.Outcome]int{}
	}
	m.outcomes[outcome]++
}

func (m *fakeMetrics) ConnectLatency(time.Duration) {}

func (m *fakeMetrics) ChunkSent(int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunksSent++
}

func (m *fakeMetrics) ChunkDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunksLost++
}

func (m *fakeMetrics) ProtocolAnomaly(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.anomalyKind == nil {
		m.anomalyKind = map[string]int{}
	}
	m.anomalyKind[kind]++
}

func (m *fakeMetrics) outcome(o domain.Outcome) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[o]
}

func (m *fakeMetrics) sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chunksSent
}

func (m *fakeMetrics) dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chunksLost
}

func (m *fakeMetrics) anomalies(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.anomalyKind[kind]
}

func (m *fakeMetrics) snapshot() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{"started": m.started, "sent": m.chunksSent, "dropped": m.chunksLost}
	for k, v := range m.outcomes {
		out["outcome_"+string(k)] = v
	}
	for k, v := range m.anomalyKind {
		out["anomaly_"+k] = v
	}
	return out
}

// slowLogHandler moves the clock forward on every Info record while armed,
// the way a slow log sink lets real time pass between calls.
type slowLogHandler struct {
	clock *timerstest.Clock
	step  time.Duration
	armed *atomic.Bool
}

func (h slowLogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h slowLogHandler) Handle(_ context.Context, r slog.Record) error {
	if h.armed.Load() && r.Level >= slog.LevelInfo {
		h.clock.Advance(h.step)
	}
	return nil
}

func (h slowLogHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h slowLogHandler) WithGroup(string) slog.Handler      { return h }

func TestOrchestratorFinalTickSurvivesStartupDelay(t *testing.T) {
	t.Parallel()

	clock := timerstest.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	armed := &atomic.Bool{}
	dialer := &portstest.Dialer{AutoConnect: true}
	listener := &portstest.Listener{}
	orch := NewOrchestrator(&portstest.CaptureDevice{}, dialer, Config{
		URL:      "ws://recognizer.test/ws/audio",
		Duration: 2 * time.Second,
		Clock:    clock,
		Logger:   slog.New(slowLogHandler{clock: clock, step: 5 * time.Millisecond, armed: armed}),
	})
	orch.SetListener(listener)
	t.Cleanup(orch.Destroy)

	armed.Store(true)
	err := orch.StartRecording(context.Background())
	armed.Store(false)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	clock.Advance(2 * time.Second)

	if got := listener.Seconds(); !reflect.DeepEqual(got, []int{2, 1, 0}) {
		t.Fatalf("expected ticks [2 1 0], got %v", got)
	}
	if state := orch.Status().State; state != domain.SessionStateFinalizing {
		t.Fatalf("expected finalizing after expiry, got %s", state)
	}
	if controls := dialer.Transport(0).Controls(); len(controls) != 1 {
		t.Fatalf("expected a single done message, got %v", controls)
	}
}
