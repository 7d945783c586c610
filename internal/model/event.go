package model

import (
	"time"
)

// EventType is the type of a server to client event.
type EventType string

const (
	EventTypeReady     EventType = "ready"
	EventTypeMessage   EventType = "message"
	EventTypeError     EventType = "error"
	EventTypeJoined    EventType = "joined"
	EventTypeLeft      EventType = "left"
	EventTypeInbox     EventType = "inbox"
	EventTypeHeartbeat EventType = "heartbeat"
)

// Event is the envelope written to clients. Exactly one payload field is set.
type Event struct {
	Type EventType `json:"type"`

	Message   *Message        `json:"message,omitempty"`
	Error     *ErrorEvent     `json:"error,omitempty"`
	Room      string          `json:"room,omitempty"`
	Ready     *ReadyEvent     `json:"ready,omitempty"`
	Inbox     *InboxEntry     `json:"inbox,omitempty"`
	Heartbeat *HeartbeatEvent `json:"heartbeat,omitempty"`
}

// ErrorEvent is delivered only to the connection that caused the error.
type ErrorEvent struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ReadyEvent is sent once the handshake succeeded.
type ReadyEvent struct {
	SubjectID string   `json:"subjectId"`
	Role      Role     `json:"role"`
	Rooms     []string `json:"rooms"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// MessageEvent wraps a persisted message for fan-out.
func MessageEvent(msg Message) Event {
	return Event{Type: EventTypeMessage, Message: &msg}
}

// InboxEvent wraps an inbox entry for the agent pool.
func InboxEvent(entry InboxEntry) Event {
	return Event{Type: EventTypeInbox, Inbox: &entry}
}

// NewErrorEvent builds an error event from err. Backend details are not
// exposed to clients.
func NewErrorEvent(err error) Event {
	code := CodeOf(err)
	msg := err.Error()
	switch code {
	case CodeStoreUnavailable:
		msg = "message was not stored, please retry"
	case CodeInternal:
		msg = "internal error"
	}
	return Event{Type: EventTypeError, Error: &ErrorEvent{Code: code, Message: msg}}
}

// ClientEventType is the type of a client to server event.
type ClientEventType string

const (
	ClientEventJoin  ClientEventType = "join"
	ClientEventLeave ClientEventType = "leave"
	ClientEventSend  ClientEventType = "send"
)

// ClientEvent is the envelope read from clients. Author fields are deliberately
// absent; anything else the client sends is ignored by the decoder.
type ClientEvent struct {
	Type           ClientEventType `json:"type"`
	Room           string          `json:"room,omitempty"`
	Body           string          `json:"body,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
}
