package model

import (
	"time"
)

// MaxBodyLength is the maximum message body length in characters.
const MaxBodyLength = 1000

// Message is one persisted chat message. Messages are immutable once appended.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`

	// Position is the per-conversation ordinal assigned by the store, starting at 1.
	Position uint64 `json:"position"`

	// Author fields are always taken from the sending connection's identity.
	AuthorID   string `json:"authorId"`
	AuthorRole Role   `json:"authorRole"`
	FromAgent  bool   `json:"fromAgent"`

	Body   string    `json:"body"`
	SentAt time.Time `json:"sentAt"`
}

// NewMessage builds an unpersisted message authored by the given identity.
// Position and SentAt are assigned by the store.
func NewMessage(id string, author Identity, conversationID, body string) *Message {
	return &Message{
		ID:             id,
		ConversationID: conversationID,
		AuthorID:       author.SubjectID,
		AuthorRole:     author.Role,
		FromAgent:      author.IsAgent(),
		Body:           body,
	}
}

// ListMessagesResponse is the response for the history query.
type ListMessagesResponse struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"hasMore"`
	NextPosition   uint64    `json:"nextPosition,omitempty"`
}
