// Package portstest provides deterministic in-memory implementations of the
// capture, transport and listener ports for exercising the session state
// machine without hardware or network access.
package portstest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"sonicres/internal/domain"
	"sonicres/internal/ports"
	"sonicres/internal/protocol"
)

// CaptureDevice hands out scripted capture handles.
type CaptureDevice struct {
	mu sync.Mutex

	// Supported limits the MIME types reported as supported; nil means all.
	Supported  map[string]bool
	AcquireErr error

	probes      []string
	constraints []ports.CaptureConstraints
	handles     []*CaptureHandle
}

var _ ports.CaptureDevice = (*CaptureDevice)(nil)

func (d *CaptureDevice) Supports(mimeType string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.probes = append(d.probes, mimeType)
	if d.Supported == nil {
		return true
	}
	return d.Supported[mimeType]
}

func (d *CaptureDevice) Acquire(ctx context.Context, constraints ports.CaptureConstraints) (ports.CaptureHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.constraints = append(d.constraints, constraints)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.AcquireErr != nil {
		return nil, d.AcquireErr
	}
	handle := &CaptureHandle{mimeType: constraints.MIMEType}
	d.handles = append(d.handles, handle)
	return handle, nil
}

// AcquireCalls returns how many times Acquire was invoked.
func (d *CaptureDevice) AcquireCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.constraints)
}

// Constraints returns the constraints passed to the last Acquire call.
func (d *CaptureDevice) Constraints() ports.CaptureConstraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.constraints) == 0 {
		return ports.CaptureConstraints{}
	}
	return d.constraints[len(d.constraints)-1]
}

// Probes returns the MIME types passed to Supports, in order.
func (d *CaptureDevice) Probes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.probes...)
}

// Handle returns the i-th acquired handle or nil.
func (d *CaptureDevice) Handle(i int) *CaptureHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.handles) {
		return nil
	}
	return d.handles[i]
}

// CaptureHandle delivers chunks only when the test calls Emit.
type CaptureHandle struct {
	mu sync.Mutex

	StartErr error

	mimeType     string
	interval     time.Duration
	onChunk      func([]byte)
	started      bool
	stopped      bool
	stopCalls    int
	releaseCalls int
}

var _ ports.CaptureHandle = (*CaptureHandle)(nil)

func (h *CaptureHandle) MIMEType() string { return h.mimeType }

func (h *CaptureHandle) Start(interval time.Duration, onChunk func([]byte)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.StartErr != nil {
		return h.StartErr
	}
	if h.started {
		return errors.New("capture already started")
	}
	h.started = true
	h.interval = interval
	h.onChunk = onChunk
	return nil
}

// Emit delivers a chunk as if the encoder produced it. It reports whether
// the chunk reached the consumer.
func (h *CaptureHandle) Emit(chunk []byte) bool {
	h.mu.Lock()
	deliver := h.started && !h.stopped && h.onChunk != nil && len(chunk) > 0
	fn := h.onChunk
	h.mu.Unlock()
	if deliver {
		fn(chunk)
	}
	return deliver
}

func (h *CaptureHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopCalls++
	h.stopped = true
	return nil
}

func (h *CaptureHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releaseCalls++
	h.stopped = true
	return nil
}

func (h *CaptureHandle) Interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

func (h *CaptureHandle) Started() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

func (h *CaptureHandle) StopCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopCalls
}

func (h *CaptureHandle) ReleaseCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releaseCalls
}

// Dialer returns prepared transports in order.
type Dialer struct {
	mu sync.Mutex

	// Block makes Dial wait for context cancellation, like an unreachable host.
	Block bool
	// AutoConnect queues a connected acknowledgement on every dialed transport.
	AutoConnect bool
	Err         error

	urls       []string
	transports []*Transport
	dialing    chan struct{}
}

var _ ports.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, url string) (ports.Transport, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	if d.dialing != nil {
		close(d.dialing)
		d.dialing = nil
	}
	block := d.Block
	autoConnect := d.AutoConnect
	err := d.Err
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %v", ports.ErrConnectTimeout, context.Cause(ctx))
	}
	if err != nil {
		return nil, err
	}

	transport := NewTransport()
	if autoConnect {
		transport.Deliver(`{"type":"connected","sessionId":"fake-session"}`)
	}

	d.mu.Lock()
	d.transports = append(d.transports, transport)
	d.mu.Unlock()
	return transport, nil
}

// Dialing returns a channel closed by the next Dial call.
func (d *Dialer) Dialing() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialing == nil {
		d.dialing = make(chan struct{})
	}
	return d.dialing
}

func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Transport returns the i-th dialed transport or nil.
func (d *Dialer) Transport(i int) *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

// Transport is an in-memory duplex channel.
type Transport struct {
	mu sync.Mutex

	// ControlErr makes SendControl fail while open.
	ControlErr error
	// OnClose runs synchronously at the start of the first Close call.
	OnClose func()

	open       bool
	messages   chan protocol.Envelope
	binary     [][]byte
	controls   []string
	closeCalls int
	err        error
}

var _ ports.Transport = (*Transport)(nil)

func NewTransport() *Transport {
	return &Transport{open: true, messages: make(chan protocol.Envelope, 64)}
}

func (t *Transport) SendBinary(chunk []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return nil
	}
	t.binary = append(t.binary, append([]byte(nil), chunk...))
	return nil
}

func (t *Transport) SendControl(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return ports.ErrNotOpen
	}
	if t.ControlErr != nil {
		return t.ControlErr
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.controls = append(t.controls, string(payload))
	return nil
}

func (t *Transport) Messages() <-chan protocol.Envelope { return t.messages }

func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closeCalls++
	first := t.closeCalls == 1
	hook := t.OnClose
	t.mu.Unlock()

	if first && hook != nil {
		hook()
	}
	t.shutdown(nil)
	return nil
}

// Deliver queues an inbound text frame. Malformed frames are dropped, as the
// real transport does.
func (t *Transport) Deliver(raw string) bool {
	env, err := protocol.ParseEnvelope([]byte(raw))
	if err != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return false
	}
	t.messages <- env
	return true
}

// Drop simulates the server or network ending the connection.
func (t *Transport) Drop(err error) {
	t.shutdown(err)
}

func (t *Transport) shutdown(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return
	}
	t.open = false
	t.err = err
	close(t.messages)
}

func (t *Transport) Binary() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.binary...)
}

func (t *Transport) Controls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.controls...)
}

func (t *Transport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// EventKind names a Listener callback.
type EventKind string

const (
	EventConnected  EventKind = "connected"
	EventRecording  EventKind = "recording"
	EventProcessing EventKind = "processing"
	EventResult     EventKind = "result"
	EventError      EventKind = "error"
	EventComplete   EventKind = "complete"
)

// Event is one recorded Listener callback.
type Event struct {
	Kind    EventKind
	Seconds int
	Result  domain.Result
	Message string
}

// Listener records every callback in order.
type Listener struct {
	mu     sync.Mutex
	events []Event

	// Hook runs after each event is recorded, outside the lock.
	Hook func(Event)
}

var _ ports.Listener = (*Listener)(nil)

func (l *Listener) OnConnected()             { l.record(Event{Kind: EventConnected}) }
func (l *Listener) OnRecording(s int)        { l.record(Event{Kind: EventRecording, Seconds: s}) }
func (l *Listener) OnProcessing()            { l.record(Event{Kind: EventProcessing}) }
func (l *Listener) OnResult(r domain.Result) { l.record(Event{Kind: EventResult, Result: r}) }
func (l *Listener) OnError(m string)         { l.record(Event{Kind: EventError, Message: m}) }
func (l *Listener) OnComplete()              { l.record(Event{Kind: EventComplete}) }

func (l *Listener) record(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	hook := l.Hook
	l.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (l *Listener) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Count returns how many events of kind were recorded.
func (l *Listener) Count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Seconds returns the values passed to OnRecording, in order.
func (l *Listener) Seconds() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int
	for _, e := range l.events {
		if e.Kind == EventRecording {
			out = append(out, e.Seconds)
		}
	}
	return out
}

// WaitFor polls until at least n events of kind were recorded.
func (l *Listener) WaitFor(kind EventKind, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if l.Count(kind) >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}
