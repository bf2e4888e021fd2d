package recognizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sonicres/internal/ports"
	"sonicres/internal/protocol"
)

const (
	defaultAPIBase = "http://localhost:8080"
	audioPath      = "/ws/audio"
	writeTimeout   = 5 * time.Second
)

// Config controls the recognition service websocket.
type Config struct {
	Header http.Header
	// OnMalformed receives inbound text frames that are not valid JSON objects.
	OnMalformed func(payload []byte, err error)
	Logger      *slog.Logger
}

// Dialer implements ports.Dialer over gorilla/websocket.
type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

var _ ports.Dialer = (*Dialer)(nil)

func NewDialer(cfg Config) *Dialer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := *websocket.DefaultDialer
	return &Dialer{cfg: cfg, dialer: &dialer, logger: logger.With("component", "recognizer")}
}

// Dial opens the audio socket. The context deadline or cancellation cause
// bounds the handshake.
func (d *Dialer) Dial(ctx context.Context, wsURL string) (ports.Transport, error) {
	conn, _, err := d.dialer.DialContext(ctx, wsURL, d.cfg.Header)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			if errors.Is(cause, ports.ErrConnectTimeout) || errors.Is(cause, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ports.ErrConnectTimeout, wsURL)
			}
			return nil, fmt.Errorf("%w: %v", ports.ErrConnect, cause)
		}
		return nil, fmt.Errorf("%w: %s: %v", ports.ErrConnect, wsURL, err)
	}

	session := &streamingSession{
		conn:        conn,
		messages:    make(chan protocol.Envelope, 64),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
		onMalformed: d.cfg.OnMalformed,
		logger:      d.logger,
		open:        true,
	}
	go session.readLoop()
	return session, nil
}

type streamingSession struct {
	conn *websocket.Conn

	messages chan protocol.Envelope
	closing  chan struct{}
	done     chan struct{}

	onMalformed func(payload []byte, err error)
	logger      *slog.Logger

	errMu sync.Mutex
	err   error

	writeMu sync.Mutex
	stateMu sync.RWMutex
	open    bool

	closeOnce sync.Once
}

func (s *streamingSession) SendBinary(chunk []byte) error {
	if len(chunk) == 0 || !s.IsOpen() {
		return nil
	}
	return s.write(websocket.BinaryMessage, chunk)
}

func (s *streamingSession) SendControl(v any) error {
	if !s.IsOpen() {
		return ports.ErrNotOpen
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode control message: %w", err)
	}
	return s.write(websocket.TextMessage, payload)
}

func (s *streamingSession) write(messageType int, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Close may have won the race since IsOpen was checked
	if !s.IsOpen() {
		if messageType == websocket.TextMessage {
			return ports.ErrNotOpen
		}
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(messageType, payload); err != nil {
		s.setErr(fmt.Errorf("failed to write frame: %w", err))
		s.markClosed()
		_ = s.conn.Close()
		return err
	}
	return nil
}

func (s *streamingSession) Messages() <-chan protocol.Envelope {
	return s.messages
}

func (s *streamingSession) IsOpen() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.open
}

func (s *streamingSession) Err() error {
	<-s.done
	return s.waitErr()
}

// Close sends a normal closure frame and tears the connection down. It is
// safe to call repeatedly.
func (s *streamingSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.writeMu.Lock()
		wasOpen := s.IsOpen()
		s.markClosed()
		if wasOpen {
			_ = s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
		}
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

func (s *streamingSession) markClosed() {
	s.stateMu.Lock()
	s.open = false
	s.stateMu.Unlock()
}

func (s *streamingSession) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *streamingSession) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamingSession) readLoop() {
	defer func() {
		s.markClosed()
		close(s.messages)
		close(s.done)
	}()

	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			// a read failing after our own Close is not a transport error
			if s.IsOpen() {
				s.setErr(fmt.Errorf("failed to read server message: %w", err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		env, err := protocol.ParseEnvelope(payload)
		if err != nil {
			s.logger.Warn("dropping malformed server message", "error", err)
			if s.onMalformed != nil {
				s.onMalformed(payload, err)
			}
			continue
		}
		select {
		case s.messages <- env:
		case <-s.closing:
			return
		}
	}
}

// BuildURL returns the audio socket URL. An explicit websocket URL wins;
// otherwise the API base is rewritten to ws(s) and the audio path appended.
func BuildURL(explicit string, apiBase string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		parsed, err := url.Parse(explicit)
		if err != nil {
			return "", fmt.Errorf("invalid websocket URL: %w", err)
		}
		if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
			return "", fmt.Errorf("websocket URL must use ws or wss, got %q", parsed.Scheme)
		}
		return parsed.String(), nil
	}

	base := strings.TrimSpace(apiBase)
	if base == "" {
		base = defaultAPIBase
	}
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	parsed, err := url.Parse(base + audioPath)
	if err != nil {
		return "", fmt.Errorf("invalid API base URL: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("API base URL must use http(s) or ws(s), got %q", parsed.Scheme)
	}
	return parsed.String(), nil
}
