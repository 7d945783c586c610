package store

import (
	"context"
	"iter"
	"sort"
	"sync"

	"github.com/moy-bank/support-gateway/internal/model"
)

type memoryLog struct {
	mu       sync.RWMutex
	messages []model.Message
}

// MemoryStore keeps conversations in process memory. Used for development and tests.
type MemoryStore struct {
	seq *Sequencer

	mu    sync.RWMutex
	convs map[string]*memoryLog
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seq:   NewSequencer(),
		convs: make(map[string]*memoryLog),
	}
}

func (s *MemoryStore) log(conversationID string, create bool) *memoryLog {
	s.mu.RLock()
	l, ok := s.convs[conversationID]
	s.mu.RUnlock()
	if ok || !create {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.convs[conversationID]; !ok {
		l = &memoryLog{}
		s.convs[conversationID] = l
	}
	return l
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, msg *model.Message, onCommit ...CommitHook) (uint64, error) {
	return s.seq.Append(ctx, msg, s.loadTail, s.commit, onCommit...)
}

func (s *MemoryStore) loadTail(_ context.Context, conversationID string) (Tail, error) {
	l := s.log(conversationID, false)
	if l == nil {
		return Tail{}, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.messages) == 0 {
		return Tail{}, nil
	}
	last := l.messages[len(l.messages)-1]
	return Tail{Position: last.Position, SentAt: last.SentAt, Seq: last.Position}, nil
}

func (s *MemoryStore) commit(ctx context.Context, msg *model.Message, _ Tail) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, Unavailable("append", err)
	}
	l := s.log(msg.ConversationID, true)
	l.mu.Lock()
	l.messages = append(l.messages, *msg)
	l.mu.Unlock()
	return msg.Position, nil
}

// Read implements Store.
func (s *MemoryStore) Read(ctx context.Context, conversationID string, from uint64) iter.Seq2[model.Message, error] {
	return func(yield func(model.Message, error) bool) {
		l := s.log(conversationID, false)
		if l == nil {
			return
		}

		l.mu.RLock()
		snapshot := l.messages[:len(l.messages):len(l.messages)]
		l.mu.RUnlock()

		start := 0
		if from > 1 {
			start = sort.Search(len(snapshot), func(i int) bool { return snapshot[i].Position >= from })
		}
		for _, msg := range snapshot[start:] {
			if err := ctx.Err(); err != nil {
				yield(model.Message{}, err)
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// Latest implements Store.
func (s *MemoryStore) Latest(ctx context.Context) iter.Seq2[model.Message, error] {
	return func(yield func(model.Message, error) bool) {
		s.mu.RLock()
		logs := make([]*memoryLog, 0, len(s.convs))
		for _, l := range s.convs {
			logs = append(logs, l)
		}
		s.mu.RUnlock()

		for _, l := range logs {
			if err := ctx.Err(); err != nil {
				yield(model.Message{}, err)
				return
			}
			l.mu.RLock()
			n := len(l.messages)
			var last model.Message
			if n > 0 {
				last = l.messages[n-1]
			}
			l.mu.RUnlock()
			if n == 0 {
				continue
			}
			if !yield(last, nil) {
				return
			}
		}
	}
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
