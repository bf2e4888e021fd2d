package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"sonicres/internal/ports"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrAlreadyStarted    = errors.New("capture already started")
)

// Config selects the ffmpeg binary and the microphone input.
type Config struct {
	Command     string
	InputFormat string
	InputDevice string
	Logger      *slog.Logger
}

// FFMPEGCapture records and encodes microphone audio using ffmpeg.
type FFMPEGCapture struct {
	cfg           Config
	logger        *slog.Logger
	startupWindow time.Duration
	stopGrace     time.Duration

	probeOnce sync.Once
	muxers    map[string]bool
	encoders  map[string]bool
}

var _ ports.CaptureDevice = (*FFMPEGCapture)(nil)

func NewFFMPEGCapture(cfg Config) *FFMPEGCapture {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FFMPEGCapture{
		cfg:           cfg,
		logger:        logger.With("component", "ffmpeg_capture"),
		startupWindow: 250 * time.Millisecond,
		stopGrace:     1200 * time.Millisecond,
	}
}

// Supports checks the ffmpeg build for the muxer and encoder behind mimeType.
// The probe runs once and never touches the microphone.
func (c *FFMPEGCapture) Supports(mimeType string) bool {
	enc, ok := lookupEncoding(mimeType)
	if !ok {
		return false
	}
	c.probeOnce.Do(c.probe)
	if !c.muxers[enc.muxer] {
		return false
	}
	return enc.encoder == "" || c.encoders[enc.encoder]
}

func (c *FFMPEGCapture) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	muxers, err := exec.CommandContext(ctx, c.cfg.Command, "-hide_banner", "-muxers").Output()
	if err != nil {
		c.logger.Warn("ffmpeg muxer probe failed", "command", c.cfg.Command, "error", err)
	}
	encoders, err := exec.CommandContext(ctx, c.cfg.Command, "-hide_banner", "-encoders").Output()
	if err != nil {
		c.logger.Warn("ffmpeg encoder probe failed", "command", c.cfg.Command, "error", err)
	}
	c.muxers = parseMuxers(string(muxers))
	c.encoders = parseEncoders(string(encoders))
}

func (c *FFMPEGCapture) Acquire(ctx context.Context, constraints ports.CaptureConstraints) (ports.CaptureHandle, error) {
	enc, ok := lookupEncoding(constraints.MIMEType)
	if !ok || !c.Supports(constraints.MIMEType) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, constraints.MIMEType)
	}
	if constraints.EchoCancellation {
		c.logger.Debug("echo cancellation is delegated to the input source", "input", c.cfg.InputDevice)
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command, c.buildArgs(enc, constraints)...)
	var stderr syncBuffer
	cmd.Stderr = &stderr

	// cmd.StdoutPipe would be closed by Wait before the trailer is read
	stdout, stdoutWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutWriter
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stdoutWriter.Close()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	_ = stdoutWriter.Close()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		_ = stdout.Close()
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, stringsTrimSpaceSafe(stderr.String()))
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-time.After(c.startupWindow):
	}

	handle := &ffmpegHandle{
		mimeType:  constraints.MIMEType,
		stdout:    stdout,
		stderr:    &stderr,
		process:   cmd.Process,
		waitErr:   waitErr,
		stopGrace: c.stopGrace,
		readDone:  make(chan struct{}),
		loopStop:  make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	go handle.readLoop()
	return handle, nil
}

func (c *FFMPEGCapture) buildArgs(enc encoding, constraints ports.CaptureConstraints) []string {
	sampleRate := constraints.SampleRate
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	channels := constraints.Channels
	if channels <= 0 {
		channels = 1
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.cfg.InputFormat,
		"-i", c.cfg.InputDevice,
	}

	var filters []string
	if constraints.NoiseSuppression {
		filters = append(filters, "afftdn")
	}
	if constraints.AutoGainControl {
		filters = append(filters, "dynaudnorm")
	}
	if len(filters) > 0 {
		args = append(args, "-af", strings.Join(filters, ","))
	}

	args = append(args,
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(sampleRate),
	)
	if enc.encoder != "" {
		args = append(args, "-c:a", enc.encoder)
	}
	if constraints.BitsPerSecond > 0 {
		args = append(args, "-b:a", strconv.Itoa(constraints.BitsPerSecond))
	}
	args = append(args, enc.extra...)
	args = append(args, "-flush_packets", "1", "-f", enc.muxer, "-")
	return args
}

type ffmpegHandle struct {
	mimeType string

	stdout io.ReadCloser
	stderr *syncBuffer

	process   *os.Process
	waitErr   <-chan error
	stopGrace time.Duration

	mu      sync.Mutex
	pending []byte
	onChunk func([]byte)
	started bool
	halted  bool

	readDone chan struct{}
	loopStop chan struct{}
	loopDone chan struct{}

	stopOnce    sync.Once
	stopErr     error
	releaseOnce sync.Once
	releaseErr  error
}

func (h *ffmpegHandle) MIMEType() string { return h.mimeType }

func (h *ffmpegHandle) readLoop() {
	defer close(h.readDone)

	buf := make([]byte, 8192)
	for {
		n, err := h.stdout.Read(buf)
		if n > 0 {
			h.mu.Lock()
			h.pending = append(h.pending, buf[:n]...)
			h.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (h *ffmpegHandle) Start(interval time.Duration, onChunk func([]byte)) error {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return ErrAlreadyStarted
	}
	if h.halted {
		return errors.New("capture already stopped")
	}
	h.started = true
	h.onChunk = onChunk

	go h.emitLoop(interval)
	return nil
}

func (h *ffmpegHandle) emitLoop(interval time.Duration) {
	defer close(h.loopDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.flush()
		case <-h.loopStop:
			return
		}
	}
}

func (h *ffmpegHandle) flush() {
	h.mu.Lock()
	if h.halted || len(h.pending) == 0 || h.onChunk == nil {
		h.mu.Unlock()
		return
	}
	chunk := h.pending
	h.pending = nil
	fn := h.onChunk
	h.mu.Unlock()

	fn(chunk)
}

// Stop interrupts ffmpeg so the container trailer is written, delivers the
// final chunk and halts delivery.
func (h *ffmpegHandle) Stop() error {
	h.stopOnce.Do(func() {
		if h.process != nil {
			_ = h.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-h.waitErr:
			if ok {
				h.stopErr = normalizeStopErr(err)
			}
		case <-time.After(h.stopGrace):
			if h.process != nil {
				_ = h.process.Kill()
			}
			err, ok := <-h.waitErr
			if ok {
				h.stopErr = normalizeStopErr(err)
			}
		}

		select {
		case <-h.readDone:
		case <-time.After(h.stopGrace):
			_ = h.stdout.Close()
			<-h.readDone
		}

		h.mu.Lock()
		started := h.started
		h.mu.Unlock()
		if started {
			close(h.loopStop)
			<-h.loopDone
			h.flush()
		}

		h.mu.Lock()
		h.halted = true
		h.pending = nil
		h.mu.Unlock()

		if h.stopErr != nil && h.stderr != nil && h.stderr.Len() > 0 {
			h.stopErr = fmt.Errorf("%w: %s", h.stopErr, stringsTrimSpaceSafe(h.stderr.String()))
		}
	})

	return h.stopErr
}

// Release ends the process if it is still running and closes its pipes.
func (h *ffmpegHandle) Release() error {
	h.releaseOnce.Do(func() {
		_ = h.Stop()
		if closeErr := h.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			h.releaseErr = closeErr
		}
	})
	return h.releaseErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func stringsTrimSpaceSafe(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}

// syncBuffer guards stderr, which exec writes from its own goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
