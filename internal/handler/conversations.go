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

// ConversationHandler handles inbox and conversation summary endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// Inbox handles GET /api/v1/inbox
func (h *ConversationHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	who, _ := middleware.GetIdentity(r.Context())

	resp, err := h.service.Inbox(who)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	who, _ := middleware.GetIdentity(r.Context())
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, err)
		return
	}

	entry, err := h.service.Summary(who, conversationID)
	if err != nil {
		if model.CodeOf(err) == model.CodeForbidden {
			h.logger.Info("conversation access denied",
				zap.String("subject_id", who.SubjectID),
				zap.String("conversation_id", conversationID),
			)
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entry)
}
