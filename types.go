package gatherly

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrMissingCredentials is returned by Connect when the token or tenant id is empty.
	ErrMissingCredentials = errors.New("gatherly: missing token or tenant id")
	// ErrNotConnected is returned when a frame is sent without a live session.
	ErrNotConnected = errors.New("gatherly: not connected")
	// ErrNotFound is returned for unknown mutation ids, temp ids and patch tokens.
	ErrNotFound = errors.New("gatherly: not found")
	// ErrPending is returned when a reaction or vote targets a message the
	// server has not confirmed yet.
	ErrPending = errors.New("gatherly: message not yet confirmed")
	// ErrQueueClosed is returned by queue operations after Close.
	ErrQueueClosed = errors.New("gatherly: queue closed")
)

// Close codes with special meaning to the connection manager.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseUnauthorized    = 4001
	CloseForbidden       = 4003
)

// APIError is the error body returned by the server, both over HTTP and in
// "error" frames.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// CloseError describes why a transport session ended. HTTPStatus is set when
// the session never got past the handshake.
type CloseError struct {
	Code       int
	Reason     string
	HTTPStatus int
}

func (e *CloseError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("handshake rejected: HTTP %d", e.HTTPStatus)
	}
	if e.Reason == "" {
		return fmt.Sprintf("connection closed: %d", e.Code)
	}
	return fmt.Sprintf("connection closed: %d %s", e.Code, e.Reason)
}

// AuthRejected reports whether the server refused the credentials.
func (e *CloseError) AuthRejected() bool {
	switch e.Code {
	case ClosePolicyViolation, CloseUnauthorized, CloseForbidden:
		return true
	}
	return e.HTTPStatus == 401 || e.HTTPStatus == 403
}

// Normal reports an explicit, non-error close.
func (e *CloseError) Normal() bool {
	return e.Code == CloseNormal && e.HTTPStatus == 0
}

// ReplayError is a non-2xx response to a replayed mutation.
type ReplayError struct {
	StatusCode int
	Body       []byte
	API        *APIError
}

func (e *ReplayError) Error() string {
	if e.API != nil {
		return fmt.Sprintf("replay: HTTP %d: %s", e.StatusCode, e.API.Error())
	}
	return fmt.Sprintf("replay: HTTP %d", e.StatusCode)
}

// ClientError reports a 4xx status.
func (e *ReplayError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// ============================================================================
// Session
// ============================================================================

// Credentials identify one authenticated session.
type Credentials struct {
	Token    string
	TenantID string
}

func (c Credentials) valid() bool {
	return c.Token != "" && c.TenantID != ""
}

// ConnectionState is the connection manager's state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// Session is a snapshot of the connection manager.
type Session struct {
	State     ConnectionState
	Attempt   int
	LastError error
}

// String renders the snapshot for logs and CLI output.
func (s Session) String() string {
	if s.LastError != nil {
		return fmt.Sprintf("%s (attempt %d, last error: %v)", s.State, s.Attempt, s.LastError)
	}
	return fmt.Sprintf("%s (attempt %d)", s.State, s.Attempt)
}

// ============================================================================
// Wire frames
// ============================================================================

// Frame types on the realtime channel.
const (
	FramePing       = "ping"
	FramePong       = "pong"
	FrameMessageNew = "message.new"
	FrameTyping     = "typing"
	FramePresence   = "presence"
	FrameError      = "error"
)

// Frame is the wire envelope for every realtime event and command.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into a frame of the given type.
func NewFrame(typ string, payload any) (Frame, error) {
	f := Frame{Type: typ}
	if payload == nil {
		return f, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return f, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	f.Payload = b
	return f, nil
}

// TypingPayload is carried by "typing" frames in both directions.
type TypingPayload struct {
	RoomID     string `json:"roomId"`
	MemberID   string `json:"memberId,omitempty"`
	MemberName string `json:"memberName,omitempty"`
	IsTyping   bool   `json:"isTyping"`
}

// PresencePayload is carried by "presence" frames.
type PresencePayload struct {
	RoomID     string `json:"roomId"`
	MemberID   string `json:"memberId"`
	MemberName string `json:"memberName,omitempty"`
	Status     string `json:"status"` // "online" or "offline"
}

// ============================================================================
// Domain records
// ============================================================================

// Message is a chat message as held in the read cache.
type Message struct {
	ID         string              `json:"id"`
	ClientID   string              `json:"clientId,omitempty"`
	RoomID     string              `json:"roomId"`
	SenderID   string              `json:"senderId,omitempty"`
	SenderName string              `json:"senderName,omitempty"`
	Text       string              `json:"text"`
	Reactions  map[string][]string `json:"reactions,omitempty"`
	Poll       *Poll               `json:"poll,omitempty"`
	CreatedAt  time.Time           `json:"createdAt"`
	Optimistic bool                `json:"_optimistic,omitempty"`
}

// Poll is an optional poll attached to a message.
type Poll struct {
	Question   string       `json:"question"`
	Options    []PollOption `json:"options"`
	TotalVotes int          `json:"totalVotes"`
}

// PollOption is a single poll choice and the members who picked it.
type PollOption struct {
	ID     string   `json:"id"`
	Text   string   `json:"text"`
	Voters []string `json:"voters,omitempty"`
}

func (m *Message) clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Reactions != nil {
		c.Reactions = make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = append([]string(nil), v...)
		}
	}
	if m.Poll != nil {
		p := *m.Poll
		p.Options = make([]PollOption, len(m.Poll.Options))
		for i, o := range m.Poll.Options {
			o.Voters = append([]string(nil), o.Voters...)
			p.Options[i] = o
		}
		c.Poll = &p
	}
	return &c
}

func (p *Poll) recount() {
	total := 0
	for _, o := range p.Options {
		total += len(o.Voters)
	}
	p.TotalVotes = total
}
