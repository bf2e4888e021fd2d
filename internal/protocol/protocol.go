package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"sonicres/internal/domain"
)

// Inbound message types sent by the recognition service.
const (
	TypeConnected  = "connected"
	TypeAck        = "ack"
	TypeProcessing = "processing"
	TypeResult     = "result"
	TypeNoMatch    = "no-match"
	TypeError      = "error"
)

// TypeDone is the outbound control message that ends the audio stream.
const TypeDone = "done"

var ErrMalformed = errors.New("malformed message")

// Envelope is a well-formed inbound JSON frame with its type already read.
type Envelope struct {
	Type string
	Raw  json.RawMessage
}

// Connected is sent once the server has allocated a buffer for the session.
type Connected struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message,omitempty"`
}

// Ack acknowledges a received audio chunk.
type Ack struct {
	Bytes      int   `json:"bytes"`
	TotalBytes int64 `json:"totalBytes,omitempty"`
}

// Processing tells the client the fingerprint is being computed.
type Processing struct {
	Message string `json:"message,omitempty"`
}

// ServerError carries a server-side failure description.
type ServerError struct {
	Message string `json:"message"`
}

// Control is a client-to-server text frame.
type Control struct {
	Type string `json:"type"`
}

// Done returns the end-of-audio control message.
func Done() Control {
	return Control{Type: TypeDone}
}

// ParseEnvelope validates a text frame and extracts its type.
func ParseEnvelope(data []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}

	var head struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msgType string
	if len(head.Type) > 0 {
		// a non-string type is forward-compatible noise, not a parse failure
		_ = json.Unmarshal(head.Type, &msgType)
	}

	raw := make(json.RawMessage, len(trimmed))
	copy(raw, trimmed)
	return Envelope{Type: msgType, Raw: raw}, nil
}

// DecodeConnected reads a connected payload.
func DecodeConnected(env Envelope) (Connected, error) {
	var msg Connected
	err := decode(env, &msg)
	return msg, err
}

// DecodeAck reads an ack payload.
func DecodeAck(env Envelope) (Ack, error) {
	var msg Ack
	err := decode(env, &msg)
	return msg, err
}

// DecodeProcessing reads a processing payload.
func DecodeProcessing(env Envelope) (Processing, error) {
	var msg Processing
	err := decode(env, &msg)
	return msg, err
}

// DecodeError reads an error payload.
func DecodeError(env Envelope) (ServerError, error) {
	var msg ServerError
	err := decode(env, &msg)
	return msg, err
}

// DecodeResult reads a result or no-match payload without normalizing it.
func DecodeResult(env Envelope) (domain.Result, error) {
	var wire struct {
		Matches []wireMatch `json:"matches"`
		Message string      `json:"message"`
	}
	if err := decode(env, &wire); err != nil {
		return domain.Result{}, err
	}

	result := domain.Result{Message: wire.Message}
	switch env.Type {
	case TypeResult:
		result.Type = domain.ResultTypeMatch
	case TypeNoMatch:
		result.Type = domain.ResultTypeNoMatch
	default:
		return domain.Result{}, fmt.Errorf("%w: %q is not a result type", ErrMalformed, env.Type)
	}

	for _, m := range wire.Matches {
		result.Matches = append(result.Matches, m.toDomain())
	}
	return result, nil
}

// wireMatch tolerates a null or missing confidence, which JSON numbers cannot
// carry as NaN.
type wireMatch struct {
	TrackID    string        `json:"trackId"`
	Title      string        `json:"title"`
	Artist     string        `json:"artist"`
	Album      string        `json:"album"`
	Confidence *float64      `json:"confidence"`
	Duration   string        `json:"duration"`
	Year       int           `json:"year"`
	Links      *domain.Links `json:"links"`
}

func (m wireMatch) toDomain() domain.Match {
	match := domain.Match{
		TrackID:  m.TrackID,
		Title:    m.Title,
		Artist:   m.Artist,
		Album:    m.Album,
		Duration: m.Duration,
		Year:     m.Year,
		Links:    m.Links,
	}
	if m.Confidence != nil {
		match.Confidence = *m.Confidence
	}
	return match
}

func decode(env Envelope, out any) error {
	if len(env.Raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Raw, out); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return nil
}
