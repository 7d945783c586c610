package model

import (
	"time"
)

// Room keys.
const (
	// AgentPoolRoom is joined by every agent connection that asks for it.
	AgentPoolRoom = "agent-pool"

	// OwnRoom is the client-side alias for a customer's own conversation room.
	OwnRoom = "own"

	conversationRoomPrefix = "conversation:"
)

// ConversationRoom returns the room key for a conversation.
func ConversationRoom(conversationID string) string {
	return conversationRoomPrefix + conversationID
}

// ParseConversationRoom extracts the conversation id from a room key.
func ParseConversationRoom(room string) (string, bool) {
	if len(room) <= len(conversationRoomPrefix) || room[:len(conversationRoomPrefix)] != conversationRoomPrefix {
		return "", false
	}
	return room[len(conversationRoomPrefix):], true
}

// InboxEntry summarizes the latest activity of one conversation for agents.
type InboxEntry struct {
	ConversationID     string    `json:"conversationId"`
	LastMessagePreview string    `json:"lastMessagePreview"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	LastPosition       uint64    `json:"lastPosition"`

	// AwaitingReply is set while the customer spoke last.
	AwaitingReply bool `json:"awaitingReply"`
}

// ListInboxResponse is the response for the inbox query.
type ListInboxResponse struct {
	Entries []InboxEntry `json:"entries"`
	Total   int          `json:"total"`
}
