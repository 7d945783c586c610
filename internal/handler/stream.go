package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/moy-bank/support-gateway/internal/middleware"
	"github.com/moy-bank/support-gateway/internal/model"
	"github.com/moy-bank/support-gateway/internal/room"
	"github.com/moy-bank/support-gateway/internal/service"
	"github.com/moy-bank/support-gateway/pkg/logger"
	"github.com/moy-bank/support-gateway/pkg/metrics"
)

// Rooms is the part of the room registry a live feed needs.
type Rooms interface {
	Join(m room.Member, key string)
	Leave(m room.Member, key string)
}

// StreamConfig configures live feeds.
type StreamConfig struct {
	HeartbeatInterval time.Duration
	Buffer            int
}

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	conversationService *service.ConversationService
	rooms               Rooms
	cfg                 StreamConfig
	logger              *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(
	convSvc *service.ConversationService,
	rooms Rooms,
	cfg StreamConfig,
	log *logger.Logger,
) *StreamHandler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &StreamHandler{
		conversationService: convSvc,
		rooms:               rooms,
		cfg:                 cfg,
		logger:              log,
	}
}

// ReplayCompleteEvent represents the completion of message replay.
type ReplayCompleteEvent struct {
	LastPosition uint64 `json:"lastPosition"`
	MessageCount int    `json:"messageCount"`
}

// feed is a read-only room member backing one SSE response.
type feed struct {
	events chan model.Event

	mu       sync.Mutex
	closed   bool
	overflow chan struct{}
}

func newFeed(size int) *feed {
	return &feed{
		events:   make(chan model.Event, size),
		overflow: make(chan struct{}),
	}
}

// Deliver enqueues ev without blocking. A full buffer ends the feed.
func (f *feed) Deliver(ev model.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case f.events <- ev:
		return true
	default:
		f.closed = true
		close(f.overflow)
		return false
	}
}

func (f *feed) stop() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// Stream handles GET /api/v1/conversations/{id}/stream
// Supports ?from_position=N for resuming from a specific point.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
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

	replay, err := h.conversationService.Replay(ctx, who, conversationID, q.FromPosition)
	if err != nil {
		writeError(w, err)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", zap.Error(err))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := h.logger.With(
		zap.String("conversation_id", conversationID),
		zap.String("subject_id", who.SubjectID),
	)

	// Join before replaying so nothing appended in between is missed;
	// duplicates are dropped by position below.
	f := newFeed(h.cfg.Buffer)
	roomKey := model.ConversationRoom(conversationID)
	h.rooms.Join(f, roomKey)
	defer func() {
		f.stop()
		h.rooms.Leave(f, roomKey)
	}()

	send := func(event string, data interface{}) bool {
		if err := writeSSEEvent(w, event, data); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	if !send("connected", map[string]string{"conversationId": conversationID}) {
		return
	}

	var last uint64
	replayed := 0
	for msg, err := range replay {
		if err != nil {
			log.Error("failed to replay messages", zap.Error(err))
			send("error", model.NewErrorEvent(err).Error)
			return
		}
		if !send("message", msg) {
			return
		}
		last = msg.Position
		replayed++
	}

	if !send("replay_complete", &ReplayCompleteEvent{LastPosition: last, MessageCount: replayed}) {
		return
	}
	log.Info("message replay complete",
		zap.Int("messages_replayed", replayed),
		zap.Uint64("last_position", last),
	)

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("SSE client disconnected")
			return

		case <-f.overflow:
			log.Warn("SSE client too slow, closing feed", zap.Uint64("last_position", last))
			return

		case ev := <-f.events:
			if ev.Message == nil || ev.Message.Position <= last {
				continue
			}
			if !send("message", ev.Message) {
				return
			}
			last = ev.Message.Position

		case <-heartbeat.C:
			if !send("heartbeat", &model.HeartbeatEvent{Timestamp: time.Now().UTC()}) {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	return err
}
