package service

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/moy-bank/support-gateway/internal/inbox"
	"github.com/moy-bank/support-gateway/internal/model"
	"github.com/moy-bank/support-gateway/internal/room"
	"github.com/moy-bank/support-gateway/internal/store"
)

var (
	customer = model.Identity{SubjectID: "cust-1", Role: model.RoleCustomer}
	other    = model.Identity{SubjectID: "cust-2", Role: model.RoleCustomer}
	agent    = model.Identity{SubjectID: "agent-9", Role: model.RoleAgent}
)

type sink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *sink) Deliver(ev model.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fixture struct {
	store    store.Store
	rooms    *room.Registry
	inbox    *inbox.Projector
	messages *MessageService
	convs    *ConversationService
}

func newFixture(s store.Store) *fixture {
	rooms := room.NewRegistry()
	proj := inbox.NewProjector(rooms, 0, nil)
	return &fixture{
		store:    s,
		rooms:    rooms,
		inbox:    proj,
		messages: NewMessageService(s, rooms, proj, nil),
		convs:    NewConversationService(s, proj, nil),
	}
}

func TestSend_PersistsAndFansOut(t *testing.T) {
	req := require.New(t)
	f := newFixture(store.NewMemoryStore())

	member, pool, bystander := &sink{}, &sink{}, &sink{}
	f.rooms.Join(member, model.ConversationRoom("cust-1"))
	f.rooms.Join(pool, model.AgentPoolRoom)
	f.rooms.Join(bystander, model.ConversationRoom("cust-2"))

	msg, err := f.messages.Send(context.Background(), customer, "cust-1", "  my card was declined  ")
	req.NoError(err)
	req.Equal("my card was declined", msg.Body)
	req.Equal("cust-1", msg.AuthorID)
	req.Equal(model.RoleCustomer, msg.AuthorRole)
	req.False(msg.FromAgent)
	req.Equal(uint64(1), msg.Position)

	req.Equal(1, member.count())
	req.Equal(model.EventTypeMessage, member.events[0].Type)
	req.Equal(*msg, *member.events[0].Message)

	// The pool only hears about it through the inbox.
	req.Equal(1, pool.count())
	req.Equal(model.EventTypeInbox, pool.events[0].Type)
	req.Zero(bystander.count())

	entry, ok := f.inbox.Get("cust-1")
	req.True(ok)
	req.True(entry.AwaitingReply)
}

func TestSend_AgentReplyIsMarkedFromAgent(t *testing.T) {
	req := require.New(t)
	f := newFixture(store.NewMemoryStore())

	_, err := f.messages.Send(context.Background(), customer, "cust-1", "hello")
	req.NoError(err)
	msg, err := f.messages.Send(context.Background(), agent, "cust-1", "hi, how can I help?")
	req.NoError(err)

	req.True(msg.FromAgent)
	req.Equal("agent-9", msg.AuthorID)
	req.Equal(uint64(2), msg.Position)
}

func TestSend_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		author model.Identity
		conv   string
		body   string
		want   error
	}{
		{"empty body", customer, "cust-1", "", model.ErrValidationFailed},
		{"whitespace body", customer, "cust-1", " \n\t ", model.ErrValidationFailed},
		{"too long", customer, "cust-1", strings.Repeat("a", model.MaxBodyLength+1), model.ErrValidationFailed},
		{"invalid utf8", customer, "cust-1", "bad \xff byte", model.ErrValidationFailed},
		{"missing conversation", agent, "", "hi", model.ErrValidationFailed},
		{"bad conversation id", agent, "a/b", "hi", model.ErrValidationFailed},
		{"other customer's conversation", customer, "cust-2", "hi", model.ErrForbidden},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			f := newFixture(store.NewMemoryStore())
			s := &sink{}
			f.rooms.Join(s, model.ConversationRoom(tc.conv))

			_, err := f.messages.Send(context.Background(), tc.author, tc.conv, tc.body)
			req.ErrorIs(err, tc.want)
			req.Zero(s.count())

			msgs, err := store.Collect(f.store.Read(context.Background(), tc.conv, 0), 0)
			req.NoError(err)
			req.Empty(msgs)
		})
	}
}

func TestSend_MaxLengthCountsCharacters(t *testing.T) {
	f := newFixture(store.NewMemoryStore())
	_, err := f.messages.Send(context.Background(), customer, "cust-1", strings.Repeat("ё", model.MaxBodyLength))
	require.NoError(t, err)
}

type brokenStore struct{ store.Store }

func (brokenStore) Append(context.Context, *model.Message, ...store.CommitHook) (uint64, error) {
	return 0, errors.New("disk on fire")
}

func TestSend_StoreFailureBroadcastsNothing(t *testing.T) {
	req := require.New(t)
	f := newFixture(brokenStore{store.NewMemoryStore()})
	member, pool := &sink{}, &sink{}
	f.rooms.Join(member, model.ConversationRoom("cust-1"))
	f.rooms.Join(pool, model.AgentPoolRoom)

	_, err := f.messages.Send(context.Background(), customer, "cust-1", "hello")
	req.ErrorIs(err, model.ErrStoreUnavailable)
	req.Zero(member.count())
	req.Zero(pool.count())
	req.Empty(f.inbox.List())
}

func TestSend_SurvivesCancelledSender(t *testing.T) {
	req := require.New(t)
	f := newFixture(store.NewMemoryStore())
	member := &sink{}
	f.rooms.Join(member, model.ConversationRoom("cust-1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.messages.Send(ctx, customer, "cust-1", "sent just before closing the app")
	req.NoError(err)
	req.Equal(1, member.count())
}

func TestHistory(t *testing.T) {
	req := require.New(t)
	f := newFixture(store.NewMemoryStore())
	ctx := context.Background()

	for _, body := range []string{"one", "two", "three"} {
		_, err := f.messages.Send(ctx, customer, "cust-1", body)
		req.NoError(err)
	}

	page, err := f.convs.History(ctx, customer, "cust-1", 0, 2)
	req.NoError(err)
	req.Len(page.Messages, 2)
	req.True(page.HasMore)
	req.Equal(uint64(3), page.NextPosition)

	page, err = f.convs.History(ctx, agent, "cust-1", page.NextPosition, 2)
	req.NoError(err)
	req.Len(page.Messages, 1)
	req.Equal("three", page.Messages[0].Body)
	req.False(page.HasMore)

	_, err = f.convs.History(ctx, other, "cust-1", 0, 0)
	req.ErrorIs(err, model.ErrForbidden)

	empty, err := f.convs.History(ctx, agent, "nobody", 0, 0)
	req.NoError(err)
	req.NotNil(empty.Messages)
	req.Empty(empty.Messages)
}

type failingReads struct{ store.Store }

func (failingReads) Read(context.Context, string, uint64) iter.Seq2[model.Message, error] {
	return func(yield func(model.Message, error) bool) {
		yield(model.Message{}, store.Unavailable("read", errors.New("timeout")))
	}
}

func TestHistory_StoreUnavailable(t *testing.T) {
	f := newFixture(failingReads{store.NewMemoryStore()})
	_, err := f.convs.History(context.Background(), agent, "cust-1", 0, 0)
	require.ErrorIs(t, err, model.ErrStoreUnavailable)
}

func TestInbox_AgentsOnly(t *testing.T) {
	req := require.New(t)
	f := newFixture(store.NewMemoryStore())
	ctx := context.Background()

	_, err := f.messages.Send(ctx, customer, "cust-1", "first")
	req.NoError(err)
	_, err = f.messages.Send(ctx, other, "cust-2", "second")
	req.NoError(err)

	_, err = f.convs.Inbox(customer)
	req.ErrorIs(err, model.ErrForbidden)

	resp, err := f.convs.Inbox(agent)
	req.NoError(err)
	req.Equal(2, resp.Total)
}

func TestSummary(t *testing.T) {
	req := require.New(t)
	f := newFixture(store.NewMemoryStore())

	_, err := f.messages.Send(context.Background(), customer, "cust-1", "where is my refund")
	req.NoError(err)

	entry, err := f.convs.Summary(customer, "cust-1")
	req.NoError(err)
	req.Equal(uint64(1), entry.LastPosition)
	req.True(entry.AwaitingReply)

	entry, err = f.convs.Summary(agent, "cust-2")
	req.NoError(err)
	req.Equal("cust-2", entry.ConversationID)
	req.Zero(entry.LastPosition)

	_, err = f.convs.Summary(customer, "cust-2")
	req.ErrorIs(err, model.ErrForbidden)

	_, err = f.convs.Summary(agent, "bad id")
	req.ErrorIs(err, model.ErrValidationFailed)
}

func TestSend_ConcurrentFanOutFollowsPositions(t *testing.T) {
	req := require.New(t)
	f := newFixture(store.NewMemoryStore())
	member := &sink{}
	f.rooms.Join(member, model.ConversationRoom("cust-1"))

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		author := customer
		if w%2 == 1 {
			author = agent
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := f.messages.Send(context.Background(), author, "cust-1", "hello"); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		req.NoError(err)
	}

	member.mu.Lock()
	defer member.mu.Unlock()
	req.Len(member.events, writers*perWriter)
	for i, ev := range member.events {
		req.Equal(uint64(i+1), ev.Message.Position)
	}

	entry, ok := f.inbox.Get("cust-1")
	req.True(ok)
	req.Equal(uint64(writers*perWriter), entry.LastPosition)
}

func TestValidateBody(t *testing.T) {
	req := require.New(t)

	body, err := ValidateBody("  hello  ")
	req.NoError(err)
	req.Equal("hello", body)

	_, err = ValidateBody("   ")
	req.ErrorIs(err, model.ErrValidationFailed)
	req.Contains(err.Error(), "empty")

	_, err = ValidateBody(strings.Repeat("ё", model.MaxBodyLength+1))
	req.ErrorIs(err, model.ErrValidationFailed)
	req.Contains(err.Error(), "exceeds")

	_, err = validateSend("a.b", "hello")
	req.ErrorIs(err, model.ErrValidationFailed)
	req.Contains(err.Error(), "conversation id")
}

func TestSend_RecordsSpan(t *testing.T) {
	req := require.New(t)
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f := newFixture(store.NewMemoryStore())
	_, err := f.messages.Send(context.Background(), customer, "cust-1", "hello")
	req.NoError(err)
	_, err = f.messages.Send(context.Background(), customer, "cust-2", "not mine")
	req.ErrorIs(err, model.ErrForbidden)

	var sends []sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == "service.Send" {
			sends = append(sends, span)
		}
	}
	req.Len(sends, 2)
	req.Contains(sends[0].Attributes(), attribute.Int64("message.position", 1))
	req.Len(sends[1].Events(), 1) // the recorded error
}
