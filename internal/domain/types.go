package domain

// SessionState models the listen-session lifecycle.
type SessionState string

const (
	SessionStateIdle       SessionState = "idle"
	SessionStateConnecting SessionState = "connecting"
	SessionStateCapturing  SessionState = "capturing"
	SessionStateFinalizing SessionState = "finalizing"
	SessionStateCompleted  SessionState = "completed"
	SessionStateFailed     SessionState = "failed"
)

// Active reports whether the state holds a live session.
func (s SessionState) Active() bool {
	return s != "" && s != SessionStateIdle
}

// ErrorCode classifies session failures.
type ErrorCode string

const (
	ErrorCodeDevice            ErrorCode = "device"
	ErrorCodeUnsupportedFormat ErrorCode = "unsupported_format"
	ErrorCodeConnectTimeout    ErrorCode = "connect_timeout"
	ErrorCodeConnect           ErrorCode = "connect"
	ErrorCodeTransportLost     ErrorCode = "transport_lost"
	ErrorCodeServer            ErrorCode = "server"
	ErrorCodeProtocol          ErrorCode = "protocol"
)

// Outcome labels how a session ended.
type Outcome string

const (
	OutcomeMatch     Outcome = "match"
	OutcomeNoMatch   Outcome = "no_match"
	OutcomeFailed    Outcome = "failed"
	OutcomeDestroyed Outcome = "destroyed"
)

// ResultType distinguishes a match list from a no-match verdict.
type ResultType string

const (
	ResultTypeMatch   ResultType = "result"
	ResultTypeNoMatch ResultType = "no-match"
)

// DefaultNoMatchMessage is used when the server sends no-match without text.
const DefaultNoMatchMessage = "No match found"

// Links holds streaming-platform URLs for a matched track.
type Links struct {
	YouTube    string `json:"youtube,omitempty"`
	Spotify    string `json:"spotify,omitempty"`
	Apple      string `json:"apple,omitempty"`
	SoundCloud string `json:"soundcloud,omitempty"`
}

// Match is one recognized track.
type Match struct {
	TrackID    string  `json:"trackId"`
	Title      string  `json:"title"`
	Artist     string  `json:"artist"`
	Album      string  `json:"album,omitempty"`
	Confidence float64 `json:"confidence"`
	Duration   string  `json:"duration,omitempty"`
	Year       int     `json:"year,omitempty"`
	Links      *Links  `json:"links,omitempty"`
}

// Result is the server's final verdict for a session.
type Result struct {
	Type    ResultType `json:"type"`
	Matches []Match    `json:"matches,omitempty"`
	Message string     `json:"message,omitempty"`
}

// Status summarizes the orchestrator's current state.
type Status struct {
	State           SessionState `json:"state"`
	Active          bool         `json:"active"`
	SessionID       string       `json:"sessionId,omitempty"`
	ServerSessionID string       `json:"serverSessionId,omitempty"`
}

// PreferredMIMETypes lists encoder formats in selection order.
var PreferredMIMETypes = []string{
	"audio/webm;codecs=opus",
	"audio/webm",
	"audio/ogg;codecs=opus",
	"audio/mp4",
}
