package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/moy-bank/support-gateway/internal/middleware"
	"github.com/moy-bank/support-gateway/internal/model"
	"github.com/moy-bank/support-gateway/internal/service"
	"github.com/moy-bank/support-gateway/pkg/logger"
)

// MessageHandler handles message history endpoints.
type MessageHandler struct {
	conversationService *service.ConversationService
	logger              *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(convSvc *service.ConversationService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		conversationService: convSvc,
		logger:              log,
	}
}

// List handles GET /api/v1/conversations/{id}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	who, _ := middleware.GetIdentity(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, err)
		return
	}

	q, err := middleware.ParseHistoryQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.conversationService.History(ctx, who, conversationID, q.FromPosition, q.Limit)
	if err != nil {
		if model.CodeOf(err) == model.CodeStoreUnavailable {
			h.logger.Error("failed to read history",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
