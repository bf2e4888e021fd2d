package ports

import (
	"context"
	"errors"
	"time"

	"sonicres/internal/domain"
	"sonicres/internal/protocol"
)

var (
	ErrConnectTimeout = errors.New("connection timeout")
	ErrConnect        = errors.New("connection failed")
	ErrNotOpen        = errors.New("transport is not open")
)

// CaptureConstraints describes how the microphone should be captured and encoded.
type CaptureConstraints struct {
	MIMEType         string
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	BitsPerSecond    int
}

// CaptureHandle is a live microphone stream with an attached encoder.
type CaptureHandle interface {
	MIMEType() string
	// Start begins delivering encoded chunks every interval. onChunk only
	// receives non-empty chunks.
	Start(interval time.Duration, onChunk func(chunk []byte)) error
	Stop() error
	Release() error
}

// CaptureDevice opens microphone capture handles.
type CaptureDevice interface {
	// Supports reports whether the encoder can produce mimeType. It must not
	// open the microphone.
	Supports(mimeType string) bool
	Acquire(ctx context.Context, constraints CaptureConstraints) (CaptureHandle, error)
}

// Transport is an open duplex channel to the recognition service.
type Transport interface {
	// SendBinary writes an audio frame; it is a silent no-op when the
	// transport is not open.
	SendBinary(chunk []byte) error
	// SendControl writes v as a JSON text frame or returns ErrNotOpen.
	SendControl(v any) error
	// Messages yields well-formed inbound frames and closes when the
	// connection ends.
	Messages() <-chan protocol.Envelope
	IsOpen() bool
	// Err reports why the connection ended; nil for a normal closure.
	Err() error
	Close() error
}

// Dialer opens transports. The context deadline bounds the connect phase.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// Listener receives session events. Implementations must be safe for use
// from multiple goroutines.
type Listener interface {
	OnConnected()
	OnRecording(secondsRemaining int)
	OnProcessing()
	OnResult(result domain.Result)
	OnError(message string)
	OnComplete()
}

// SessionMetrics records session telemetry.
type SessionMetrics interface {
	SessionStarted()
	SessionFinished(outcome domain.Outcome, elapsed time.Duration)
	ConnectLatency(elapsed time.Duration)
	ChunkSent(bytes int)
	ChunkDropped()
	ProtocolAnomaly(kind string)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) OnConnected()           {}
func (NopListener) OnRecording(int)        {}
func (NopListener) OnProcessing()          {}
func (NopListener) OnResult(domain.Result) {}
func (NopListener) OnError(string)         {}
func (NopListener) OnComplete()            {}

// NopMetrics discards telemetry.
type NopMetrics struct{}

func (NopMetrics) SessionStarted()                               {}
func (NopMetrics) SessionFinished(domain.Outcome, time.Duration) {}
func (NopMetrics) ConnectLatency(time.Duration)                  {}
func (NopMetrics) ChunkSent(int)                                 {}
func (NopMetrics) ChunkDropped()                                 {}
func (NopMetrics) ProtocolAnomaly(string)                        {}
