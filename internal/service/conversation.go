package service

import (
	"context"
	"fmt"
	"iter"

	"github.com/moy-bank/support-gateway/internal/model"
	"github.com/moy-bank/support-gateway/internal/store"
	"github.com/moy-bank/support-gateway/pkg/logger"
)

// Page size limits for history queries.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// InboxLister lists inbox entries.
type InboxLister interface {
	Get(conversationID string) (model.InboxEntry, bool)
	List() []model.InboxEntry
}

// ConversationService answers read queries about conversations.
type ConversationService struct {
	store  store.Store
	inbox  InboxLister
	logger *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(s store.Store, inbox InboxLister, log *logger.Logger) *ConversationService {
	if log == nil {
		log = logger.Global()
	}
	return &ConversationService{store: s, inbox: inbox, logger: log}
}

func authorize(who model.Identity, conversationID string) error {
	if !model.ValidID(conversationID) {
		return fmt.Errorf("%w: invalid conversation id", model.ErrValidationFailed)
	}
	if !who.CanAccess(conversationID) {
		return fmt.Errorf("%w: conversation %s", model.ErrForbidden, conversationID)
	}
	return nil
}

// History returns one page of a conversation starting at position from.
func (s *ConversationService) History(ctx context.Context, who model.Identity, conversationID string, from uint64, limit int) (*model.ListMessagesResponse, error) {
	if err := authorize(who, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	// One extra message tells whether another page exists.
	messages, err := store.Collect(s.store.Read(ctx, conversationID, from), limit+1)
	if err != nil {
		return nil, err
	}

	resp := &model.ListMessagesResponse{
		ConversationID: conversationID,
		Messages:       messages,
	}
	if len(messages) > limit {
		resp.Messages = messages[:limit]
		resp.HasMore = true
		resp.NextPosition = messages[limit].Position
	}
	if resp.Messages == nil {
		resp.Messages = []model.Message{}
	}
	return resp, nil
}

// Replay yields a conversation from position from, for live feeds that
// catch up before switching to fan-out.
func (s *ConversationService) Replay(ctx context.Context, who model.Identity, conversationID string, from uint64) (iter.Seq2[model.Message, error], error) {
	if err := authorize(who, conversationID); err != nil {
		return nil, err
	}
	return s.store.Read(ctx, conversationID, from), nil
}

// Inbox lists conversations for agents, most recent first.
func (s *ConversationService) Inbox(who model.Identity) (*model.ListInboxResponse, error) {
	if !who.IsAgent() {
		return nil, fmt.Errorf("%w: inbox is for agents", model.ErrForbidden)
	}
	entries := s.inbox.List()
	if entries == nil {
		entries = []model.InboxEntry{}
	}
	return &model.ListInboxResponse{Entries: entries, Total: len(entries)}, nil
}

// Summary returns the inbox entry of one conversation. A conversation
// without messages has an empty entry.
func (s *ConversationService) Summary(who model.Identity, conversationID string) (model.InboxEntry, error) {
	if err := authorize(who, conversationID); err != nil {
		return model.InboxEntry{}, err
	}
	entry, ok := s.inbox.Get(conversationID)
	if !ok {
		entry = model.InboxEntry{ConversationID: conversationID}
	}
	return entry, nil
}

// Ping reports whether the store is reachable.
func (s *ConversationService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
