package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/moy-bank/support-gateway/internal/inbox"
	"github.com/moy-bank/support-gateway/internal/middleware"
	"github.com/moy-bank/support-gateway/internal/model"
	"github.com/moy-bank/support-gateway/internal/room"
	"github.com/moy-bank/support-gateway/internal/service"
	"github.com/moy-bank/support-gateway/internal/store"
	"github.com/moy-bank/support-gateway/pkg/logger"
)

var (
	customer = model.Identity{SubjectID: "cust-1", Role: model.RoleCustomer}
	agent    = model.Identity{SubjectID: "agent-1", Role: model.RoleAgent}
)

type stubVerifier map[string]model.Identity

func (s stubVerifier) Verify(token string) (model.Identity, error) {
	id, ok := s[token]
	if !ok {
		return model.Identity{}, model.ErrUnauthenticated
	}
	return id, nil
}

type harness struct {
	srv      *httptest.Server
	rooms    *room.Registry
	messages *service.MessageService
}

func newHarness(t *testing.T, s store.Store) *harness {
	t.Helper()
	log := logger.Nop()
	rooms := room.NewRegistry()
	proj := inbox.NewProjector(rooms, 0, log)
	convs := service.NewConversationService(s, proj, log)

	health := NewHealthHandler(s, store.BackendMemory)
	conversations := NewConversationHandler(convs, log)
	messages := NewMessageHandler(convs, log)
	stream := NewStreamHandler(convs, rooms, StreamConfig{HeartbeatInterval: 50 * time.Millisecond}, log)

	r := chi.NewRouter()
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(stubVerifier{"cust": customer, "agent": agent}))
		r.Get("/inbox", conversations.Inbox)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", conversations.Get)
			r.Get("/messages", messages.List)
			r.Get("/stream", stream.Stream)
		})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &harness{
		srv:      srv,
		rooms:    rooms,
		messages: service.NewMessageService(s, rooms, proj, log),
	}
}

func (h *harness) get(t *testing.T, token, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func (h *harness) send(t *testing.T, who model.Identity, body string) {
	t.Helper()
	_, err := h.messages.Send(context.Background(), who, "cust-1", body)
	require.NoError(t, err)
}

func TestHistory(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, store.NewMemoryStore())
	h.send(t, customer, "hello")
	h.send(t, agent, "hi, how can I help?")
	h.send(t, customer, "card declined")

	resp, body := h.get(t, "cust", "/api/v1/conversations/cust-1/messages?limit=2")
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Len(body["messages"], 2)
	req.Equal(true, body["hasMore"])
	req.EqualValues(3, body["nextPosition"])

	resp, body = h.get(t, "agent", "/api/v1/conversations/cust-1/messages?from_position=3")
	req.Equal(http.StatusOK, resp.StatusCode)
	msgs := body["messages"].([]interface{})
	req.Len(msgs, 1)
	req.Equal("card declined", msgs[0].(map[string]interface{})["body"])
}

func TestHistory_Errors(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore())

	tests := []struct {
		name     string
		token    string
		path     string
		wantCode int
		wantErr  model.ErrorCode
	}{
		{"No token", "", "/api/v1/conversations/cust-1/messages", http.StatusUnauthorized, model.CodeUnauthenticated},
		{"Other customer", "cust", "/api/v1/conversations/cust-2/messages", http.StatusForbidden, model.CodeForbidden},
		{"Bad limit", "agent", "/api/v1/conversations/cust-1/messages?limit=500", http.StatusBadRequest, model.CodeValidationFailed},
		{"Bad id", "agent", "/api/v1/conversations/a.b/messages", http.StatusBadRequest, model.CodeValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := h.get(t, tt.token, tt.path)
			require.Equal(t, tt.wantCode, resp.StatusCode)
			require.Equal(t, string(tt.wantErr), body["code"])
		})
	}
}

type downStore struct{ store.Store }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestReady(t *testing.T) {
	req := require.New(t)

	resp, body := newHarness(t, store.NewMemoryStore()).get(t, "", "/ready")
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("ready", body["status"])

	resp, body = newHarness(t, downStore{store.NewMemoryStore()}).get(t, "", "/ready")
	req.Equal(http.StatusServiceUnavailable, resp.StatusCode)
	req.Equal("not ready", body["status"])

	resp, _ = newHarness(t, store.NewMemoryStore()).get(t, "", "/health")
	req.Equal(http.StatusOK, resp.StatusCode)
}

func TestInboxAndSummary(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, store.NewMemoryStore())
	h.send(t, customer, "is anyone there?")

	resp, body := h.get(t, "agent", "/api/v1/inbox")
	req.Equal(http.StatusOK, resp.StatusCode)
	req.EqualValues(1, body["total"])
	entry := body["entries"].([]interface{})[0].(map[string]interface{})
	req.Equal("cust-1", entry["conversationId"])
	req.Equal(true, entry["awaitingReply"])

	resp, body = h.get(t, "cust", "/api/v1/inbox")
	req.Equal(http.StatusForbidden, resp.StatusCode)
	req.Equal("forbidden", body["code"])

	resp, body = h.get(t, "cust", "/api/v1/conversations/cust-1")
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("is anyone there?", body["lastMessagePreview"])
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, sc *bufio.Scanner, out chan<- sseEvent) {
	t.Helper()
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			out <- ev
			ev = sseEvent{}
		}
	}
	close(out)
}

func TestStream_ReplayThenLive(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, store.NewMemoryStore())
	h.send(t, customer, "first")
	h.send(t, agent, "second")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/api/v1/conversations/cust-1/stream?from_position=2", nil)
	req.NoError(err)
	httpReq.Header.Set("Authorization", "Bearer cust")
	resp, err := http.DefaultClient.Do(httpReq)
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sseEvent, 16)
	go readEvents(t, bufio.NewScanner(resp.Body), events)

	next := func(skipHeartbeats bool) sseEvent {
		for {
			select {
			case ev, ok := <-events:
				req.True(ok, "stream ended early")
				if skipHeartbeats && ev.name == "heartbeat" {
					continue
				}
				return ev
			case <-time.After(5 * time.Second):
				req.FailNow("timed out waiting for event")
			}
		}
	}

	req.Equal("connected", next(true).name)

	ev := next(true)
	req.Equal("message", ev.name)
	var msg model.Message
	req.NoError(json.Unmarshal([]byte(ev.data), &msg))
	req.Equal("second", msg.Body)
	req.Equal(uint64(2), msg.Position)

	ev = next(true)
	req.Equal("replay_complete", ev.name)
	req.Contains(ev.data, `"lastPosition":2`)

	req.Eventually(func() bool {
		return h.rooms.Members(model.ConversationRoom("cust-1")) == 1
	}, time.Second, 10*time.Millisecond)

	h.send(t, agent, "third")
	ev = next(true)
	req.Equal("message", ev.name)
	req.NoError(json.Unmarshal([]byte(ev.data), &msg))
	req.Equal("third", msg.Body)
	req.Equal(uint64(3), msg.Position)

	req.Equal("heartbeat", next(false).name)

	cancel()
	req.Eventually(func() bool {
		return h.rooms.Members(model.ConversationRoom("cust-1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStream_Forbidden(t *testing.T) {
	resp, body := newHarness(t, store.NewMemoryStore()).get(t, "cust", "/api/v1/conversations/cust-2/stream")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "forbidden", body["code"])
}

func TestFeed_OverflowEndsFeed(t *testing.T) {
	req := require.New(t)
	f := newFeed(1)
	msg := model.MessageEvent(model.Message{Position: 1})

	req.True(f.Deliver(msg))
	req.False(f.Deliver(msg))
	select {
	case <-f.overflow:
	default:
		req.FailNow("overflow not signalled")
	}
	req.False(f.Deliver(msg))

	g := newFeed(4)
	g.stop()
	req.False(g.Deliver(msg))
}

// slowFirstStore returns from its first append late, after the message is
// already durable.
type slowFirstStore struct {
	store.Store
	once sync.Once
}

func (s *slowFirstStore) Append(ctx context.Context, msg *model.Message, onCommit ...store.CommitHook) (uint64, error) {
	pos, err := s.Store.Append(ctx, msg, onCommit...)
	s.once.Do(func() { time.Sleep(200 * time.Millisecond) })
	return pos, err
}

func TestStream_ConcurrentSendsArriveInOrder(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, &slowFirstStore{Store: store.NewMemoryStore()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/api/v1/conversations/cust-1/stream", nil)
	req.NoError(err)
	httpReq.Header.Set("Authorization", "Bearer agent")
	resp, err := http.DefaultClient.Do(httpReq)
	req.NoError(err)
	defer resp.Body.Close()

	events := make(chan sseEvent, 16)
	go readEvents(t, bufio.NewScanner(resp.Body), events)

	nextMessage := func() model.Message {
		for {
			select {
			case ev, ok := <-events:
				req.True(ok, "stream ended early")
				if ev.name != "message" {
					continue
				}
				var msg model.Message
				req.NoError(json.Unmarshal([]byte(ev.data), &msg))
				return msg
			case <-time.After(5 * time.Second):
				req.FailNow("timed out waiting for message")
			}
		}
	}

	req.Eventually(func() bool {
		return h.rooms.Members(model.ConversationRoom("cust-1")) == 1
	}, time.Second, 10*time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = h.messages.Send(context.Background(), customer, "cust-1", "first")
	}()
	time.Sleep(50 * time.Millisecond)
	h.send(t, agent, "second")
	wg.Wait()

	first, second := nextMessage(), nextMessage()
	req.Equal(uint64(1), first.Position)
	req.Equal("first", first.Body)
	req.Equal(uint64(2), second.Position)
	req.Equal("second", second.Body)
}

func TestStream_LogsWhenWriteDeadlineCannotBeCleared(t *testing.T) {
	req := require.New(t)
	core, logs := observer.New(zap.DebugLevel)
	log := logger.Wrap(zap.New(core))

	s := store.NewMemoryStore()
	rooms := room.NewRegistry()
	convs := service.NewConversationService(s, inbox.NewProjector(rooms, 0, log), log)
	stream := NewStreamHandler(convs, rooms, StreamConfig{}, log)

	r := chi.NewRouter()
	r.Get("/conversations/{id}/stream", stream.Stream)

	ctx, cancel := context.WithTimeout(middleware.WithIdentity(context.Background(), agent), 100*time.Millisecond)
	defer cancel()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/conversations/cust-1/stream", nil).WithContext(ctx))

	req.Equal(1, logs.FilterMessage("could not clear write deadline").Len())
	req.Contains(w.Body.String(), "event: replay_complete")
	req.Zero(rooms.Members(model.ConversationRoom("cust-1")))
}
