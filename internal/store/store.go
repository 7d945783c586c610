// Package store provides the append-only conversation log.
package store

import (
	"context"
	"fmt"
	"iter"

	"github.com/moy-bank/support-gateway/internal/model"
)

// Backend names accepted by configuration.
const (
	BackendMemory    = "memory"
	BackendBadger    = "badger"
	BackendJetStream = "jetstream"
)

// CommitHook observes a message once it has been appended.
type CommitHook func(msg model.Message)

// Store is the durable, append-only record of messages keyed by conversation.
type Store interface {
	// Append persists msg, assigning its Position and SentAt. Appends to one
	// conversation are totally ordered; appends to different conversations do
	// not contend. Durability failures wrap model.ErrStoreUnavailable.
	// onCommit hooks run after msg is durable and before the next append to
	// its conversation starts; they must not block.
	Append(ctx context.Context, msg *model.Message, onCommit ...CommitHook) (uint64, error)

	// Read yields the messages of a conversation with Position >= from in
	// append order. The sequence is lazy, finite and may be ranged again.
	Read(ctx context.Context, conversationID string, from uint64) iter.Seq2[model.Message, error]

	// Latest yields the last message of every conversation.
	Latest(ctx context.Context) iter.Seq2[model.Message, error]

	Ping(ctx context.Context) error
	Close() error
}

// Unavailable wraps a backend failure so callers can classify it.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", model.ErrStoreUnavailable, op, err)
}

// Collect drains up to limit messages (0 for all) from seq.
func Collect(seq iter.Seq2[model.Message, error], limit int) ([]model.Message, error) {
	var out []model.Message
	for msg, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
