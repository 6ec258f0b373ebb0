package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Tyrowin/chatrelay/internal/store"
)

// Event types shared by inbound and outbound envelopes.
const (
	TypeJoin           = "join"
	TypePublicMessage  = "publicMessage"
	TypePrivateMessage = "privateMessage"
	TypeTyping         = "typing"
	TypeRoster         = "roster"
	TypeError          = "error"
)

// SystemSender is the sender of join and leave notices. Clients may not use it.
const SystemSender = "System"

// Error codes carried by error events.
const (
	CodeBadRequest    = "BAD_REQUEST"
	CodeNotJoined     = "NOT_JOINED"
	CodeInternalError = "INTERNAL_ERROR"
	CodeRateLimited   = "RATE_LIMITED"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrNotJoined      = errors.New("connection has not joined")
)

// Event is an outbound message. Every implementation marshals to a flat JSON
// object with a "type" field.
type Event interface {
	EventType() string
}

type PublicMessageEvent struct {
	Type      string    `json:"type"`
	From      string    `json:"from"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (e PublicMessageEvent) EventType() string { return e.Type }

type PrivateMessageEvent struct {
	Type      string    `json:"type"`
	From      string    `json:"from"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (e PrivateMessageEvent) EventType() string { return e.Type }

type TypingEvent struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

func (e TypingEvent) EventType() string { return e.Type }

type RosterEvent struct {
	Type      string   `json:"type"`
	Usernames []string `json:"usernames"`
}

func (e RosterEvent) EventType() string { return e.Type }

type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ErrorEvent) EventType() string { return e.Type }

func NewPublicMessage(rec store.Record) PublicMessageEvent {
	return PublicMessageEvent{
		Type:      TypePublicMessage,
		From:      rec.Sender,
		Content:   rec.Content,
		Timestamp: rec.CreatedAt,
	}
}

func NewPrivateMessage(rec store.Record) PrivateMessageEvent {
	return PrivateMessageEvent{
		Type:      TypePrivateMessage,
		From:      rec.Sender,
		Message:   rec.Content,
		Timestamp: rec.CreatedAt,
	}
}

// NewSystemNotice builds a public message from the System sender.
func NewSystemNotice(text string, at time.Time) PublicMessageEvent {
	return PublicMessageEvent{
		Type:      TypePublicMessage,
		From:      SystemSender,
		Content:   text,
		Timestamp: at.UTC(),
	}
}

func NewTyping(username string) TypingEvent {
	return TypingEvent{Type: TypeTyping, Username: username}
}

func NewRoster(usernames []string) RosterEvent {
	if usernames == nil {
		usernames = []string{}
	}
	return RosterEvent{Type: TypeRoster, Usernames: usernames}
}

func NewError(code, message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Code: code, Message: message}
}

// ErrorFor maps an operation error to the event sent back to its sender.
func ErrorFor(err error) ErrorEvent {
	switch {
	case errors.Is(err, ErrMalformedEvent):
		return NewError(CodeBadRequest, err.Error())
	case errors.Is(err, ErrNotJoined):
		return NewError(CodeNotJoined, "join the chat first")
	default:
		return NewError(CodeInternalError, "message could not be delivered")
	}
}

// Inbound is a decoded client envelope. Fields not used by Type are ignored.
type Inbound struct {
	Type       string `json:"type"`
	Username   string `json:"username,omitempty"`
	Text       string `json:"text,omitempty"`
	Message    string `json:"message,omitempty"`
	ToUsername string `json:"toUsername,omitempty"`
}

// Body returns the message text, accepting "message" as an alias of "text".
func (in Inbound) Body() string {
	if in.Text != "" {
		return in.Text
	}
	return in.Message
}

// DecodeInbound parses a client envelope.
func DecodeInbound(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: invalid JSON", ErrMalformedEvent)
	}
	if in.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return in, nil
}
