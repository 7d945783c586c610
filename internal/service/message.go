// Package service holds the send pipeline and read queries shared by the
// websocket gateway and the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/moy-bank/support-gateway/internal/model"
	"github.com/moy-bank/support-gateway/internal/store"
	"github.com/moy-bank/support-gateway/pkg/logger"
	"github.com/moy-bank/support-gateway/pkg/metrics"
	"github.com/moy-bank/support-gateway/pkg/tracing"
)

// Broadcaster fans an event out to a room.
type Broadcaster interface {
	Broadcast(room string, ev model.Event) int
}

// Projector receives every appended message.
type Projector interface {
	OnAppend(msg model.Message) (model.InboxEntry, bool)
}

// MessageService persists messages and fans them out.
type MessageService struct {
	store  store.Store
	rooms  Broadcaster
	inbox  Projector
	logger *logger.Logger
}

// NewMessageService creates a new message service.
func NewMessageService(s store.Store, rooms Broadcaster, inbox Projector, log *logger.Logger) *MessageService {
	if log == nil {
		log = logger.Global()
	}
	return &MessageService{store: s, rooms: rooms, inbox: inbox, logger: log}
}

// Send appends a message authored by author to a conversation and delivers
// it to everyone in the conversation room. Author fields come from author
// only. Nothing is broadcast unless the append succeeded.
//
// The append and fan-out run detached from ctx cancellation, so a sender that
// disconnects mid-send does not lose an accepted message. Fan-out happens
// before the next append to the conversation, so members see positions in order.
func (s *MessageService) Send(ctx context.Context, author model.Identity, conversationID, body string) (*model.Message, error) {
	ctx, span := tracing.Tracer().Start(ctx, "service.Send", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("author.role", string(author.Role)),
	))
	defer span.End()

	msg, delivered, err := s.send(ctx, author, conversationID, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(model.CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("message.position", int64(msg.Position)),
		attribute.Int("fanout.delivered", delivered),
	)

	metrics.MessagesTotal.WithLabelValues(string(author.Role)).Inc()
	s.logger.Debug("Message sent",
		zap.String("conversation_id", conversationID),
		zap.Uint64("position", msg.Position),
		zap.Int("delivered", delivered),
	)
	return msg, nil
}

func (s *MessageService) send(ctx context.Context, author model.Identity, conversationID, body string) (*model.Message, int, error) {
	body, err := validateSend(conversationID, body)
	if err != nil {
		return nil, 0, err
	}
	if !author.CanAccess(conversationID) {
		return nil, 0, fmt.Errorf("%w: conversation %s", model.ErrForbidden, conversationID)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to generate message id: %w", err)
	}
	msg := model.NewMessage(id.String(), author, conversationID, body)

	delivered := 0
	fanout := func(m model.Message) {
		delivered = s.rooms.Broadcast(model.ConversationRoom(m.ConversationID), model.MessageEvent(m))
		if s.inbox != nil {
			s.inbox.OnAppend(m)
		}
	}

	if _, err := s.store.Append(context.WithoutCancel(ctx), msg, fanout); err != nil {
		if !errors.Is(err, model.ErrStoreUnavailable) {
			err = store.Unavailable("append", err)
		}
		s.logger.Error("Failed to append message",
			zap.String("conversation_id", conversationID),
			zap.String("author_id", author.SubjectID),
			zap.Error(err),
		)
		return nil, 0, err
	}
	return msg, delivered, nil
}
