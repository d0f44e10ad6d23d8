// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the gateway. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypePing         = "ping"
	TypeResolveMatch = "resolve_match"
	TypeOpenChat     = "open_chat"
	TypeCloseChat    = "close_chat"
	TypeSendMessage  = "send_message"
	TypeMarkRead     = "mark_read"
	TypeViewState    = "view_state"
	TypeAppState     = "app_state"
)

// Server -> Client message types.
const (
	TypeSessionCreated  = "session_created"
	TypeMatch           = "match"
	TypeMessages        = "messages"
	TypeConnectionState = "connection_state"
	TypeMatchStatus     = "match_status"
	TypeMessageSent     = "message_sent"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// App states carried by AppStateMsg.
const (
	AppForeground = "foreground"
	AppBackground = "background"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ---------------------------------------------------------------------------
// Envelope: initial parse that extracts the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ResolveMatchMsg asks for today's match.
type ResolveMatchMsg struct {
	Type string `json:"type"`
}

// OpenChatMsg opens the conversation with a partner for a match day.
type OpenChatMsg struct {
	Type      string `json:"type"`
	PartnerID string `json:"partner_id" validate:"required,max=128"`
	MatchDate string `json:"match_date" validate:"required,datetime=2006-01-02"`
}

// CloseChatMsg closes the open conversation.
type CloseChatMsg struct {
	Type string `json:"type"`
}

// SendMessageMsg sends text to the open conversation. Content rules are
// enforced by the chat package.
type SendMessageMsg struct {
	Type string `json:"type"`
	Text string `json:"text" validate:"required"`
}

// MarkReadMsg marks received messages read.
type MarkReadMsg struct {
	Type       string   `json:"type"`
	MessageIDs []string `json:"message_ids" validate:"required,min=1,max=500,dive,required"`
}

// ViewStateMsg reports whether the chat view is on screen.
type ViewStateMsg struct {
	Type string `json:"type"`
	Open bool   `json:"open"`
}

// AppStateMsg reports the app moving between foreground and background.
type AppStateMsg struct {
	Type  string `json:"type"`
	State string `json:"state" validate:"required,oneof=foreground background"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent when a connection is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// PartnerCard is the partner's display metadata.
type PartnerCard struct {
	DisplayName string   `json:"display_name"`
	TopKeywords []string `json:"top_keywords,omitempty"`
}

// MatchMsg carries the latest match resolution. MatchID is empty when the
// user is unmatched today.
type MatchMsg struct {
	Type      string       `json:"type"`
	MatchID   string       `json:"match_id,omitempty"`
	PartnerID string       `json:"partner_id,omitempty"`
	MatchDate string       `json:"match_date,omitempty"`
	Partner   *PartnerCard `json:"partner,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// ChatMessage is one message in a MessagesMsg.
type ChatMessage struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sent_at"`
	IsRead     bool      `json:"is_read"`
}

// MessagesMsg is the full ordered message list of the open conversation.
type MessagesMsg struct {
	Type      string        `json:"type"`
	PartnerID string        `json:"partner_id"`
	MatchDate string        `json:"match_date"`
	Messages  []ChatMessage `json:"messages"`
}

// ConnectionStateMsg reports the conversation channel state.
type ConnectionStateMsg struct {
	Type        string `json:"type"`
	State       string `json:"state"`
	Error       string `json:"error,omitempty"`
	Terminal    bool   `json:"terminal,omitempty"`
	PartnerOpen bool   `json:"partner_open"`
}

// MatchStatusMsg tells the client its open conversation is stale.
type MatchStatusMsg struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Invalid bool   `json:"invalid"`
}

// MessageSentMsg acknowledges a persisted message.
type MessageSentMsg struct {
	Type    string      `json:"type"`
	Message ChatMessage `json:"message"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	Action     string `json:"action"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ValidationError reports a client message that parsed but failed field
// validation.
type ValidationError struct {
	MsgType string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: invalid %q payload: %v", e.MsgType, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func decode[T any](env Envelope) (any, error) {
	var m T
	if err := json.Unmarshal(env.Raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	if err := validate.Struct(m); err != nil {
		return nil, &ValidationError{MsgType: env.Type, Err: err}
	}
	return m, nil
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing or validation. An error is returned for unknown
// or server-only message types.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg any
		err error
	)
	switch env.Type {
	case TypePing:
		msg, err = decode[PingMsg](env)
	case TypeResolveMatch:
		msg, err = decode[ResolveMatchMsg](env)
	case TypeOpenChat:
		msg, err = decode[OpenChatMsg](env)
	case TypeCloseChat:
		msg, err = decode[CloseChatMsg](env)
	case TypeSendMessage:
		msg, err = decode[SendMessageMsg](env)
	case TypeMarkRead:
		msg, err = decode[MarkReadMsg](env)
	case TypeViewState:
		msg, err = decode[ViewStateMsg](env)
	case TypeAppState:
		msg, err = decode[AppStateMsg](env)
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}
	if err != nil {
		return env.Type, nil, err
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
