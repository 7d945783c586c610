package store

import (
	"context"
	"sync"
	"time"

	"github.com/moy-bank/support-gateway/internal/model"
)

// Tail is the last committed state of one conversation.
type Tail struct {
	Position uint64
	SentAt   time.Time

	// Seq is a backend specific cursor, e.g. the JetStream stream sequence.
	Seq uint64
}

// LoadFunc reads the tail of a conversation from the backend.
type LoadFunc func(ctx context.Context, conversationID string) (Tail, error)

// CommitFunc durably writes msg. prev is the tail msg was stamped against.
// It returns the backend cursor of the written record.
type CommitFunc func(ctx context.Context, msg *model.Message, prev Tail) (uint64, error)

// Sequencer serializes appends per conversation and stamps position and
// sentAt inside that critical section. Different conversations never share a lock.
type Sequencer struct {
	locks keyedMutex
	tails sync.Map // conversation id -> Tail
	now   func() time.Time
}

// NewSequencer creates a sequencer using the wall clock.
func NewSequencer() *Sequencer {
	return &Sequencer{
		locks: keyedMutex{locks: make(map[string]*keyedLock)},
		now:   time.Now,
	}
}

// Append stamps msg and commits it. Hooks run while the conversation is
// still locked, so they observe its messages in position order.
func (s *Sequencer) Append(ctx context.Context, msg *model.Message, load LoadFunc, commit CommitFunc, onCommit ...CommitHook) (uint64, error) {
	unlock := s.locks.lock(msg.ConversationID)
	defer unlock()

	var tail Tail
	if v, ok := s.tails.Load(msg.ConversationID); ok {
		tail = v.(Tail)
	} else {
		loaded, err := load(ctx, msg.ConversationID)
		if err != nil {
			return 0, err
		}
		tail = loaded
	}

	msg.Position = tail.Position + 1
	msg.SentAt = s.now().UTC()
	if msg.SentAt.Before(tail.SentAt) {
		msg.SentAt = tail.SentAt
	}

	seq, err := commit(ctx, msg, tail)
	if err != nil {
		// The backend may have diverged from the cache; reload on next append.
		s.tails.Delete(msg.ConversationID)
		msg.Position = 0
		msg.SentAt = time.Time{}
		return 0, err
	}

	s.tails.Store(msg.ConversationID, Tail{Position: msg.Position, SentAt: msg.SentAt, Seq: seq})
	for _, hook := range onCommit {
		hook(*msg)
	}
	return msg.Position, nil
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
