package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/moy-bank/support-gateway/internal/model"
	"github.com/moy-bank/support-gateway/pkg/logger"
)

const convPrefix = "conv/"

// BadgerStore persists conversations in an embedded Badger database.
//
// Keys are conv/{conversationID}/{position padded to 20 digits}, so a prefix
// scan returns a conversation in position order.
type BadgerStore struct {
	db  *badger.DB
	seq *Sequencer
	log *logger.Logger
}

// OpenBadger opens (or creates) a Badger database at dir. An empty dir opens
// an in-memory database.
func OpenBadger(dir string, log *logger.Logger) (*BadgerStore, error) {
	if log == nil {
		log = logger.Global()
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{log.Sugar()}).
		WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, Unavailable("open badger", err)
	}

	log.Info("Opened badger conversation store", zap.String("dir", dir))
	return &BadgerStore{db: db, seq: NewSequencer(), log: log}, nil
}

func conversationPrefix(conversationID string) []byte {
	return []byte(convPrefix + conversationID + "/")
}

func messageKey(conversationID string, position uint64) []byte {
	return fmt.Appendf(nil, "%s%s/%020d", convPrefix, conversationID, position)
}

// Append implements Store.
func (s *BadgerStore) Append(ctx context.Context, msg *model.Message, onCommit ...CommitHook) (uint64, error) {
	return s.seq.Append(ctx, msg, s.loadTail, s.commit, onCommit...)
}

func (s *BadgerStore) loadTail(_ context.Context, conversationID string) (Tail, error) {
	var tail Tail
	prefix := conversationPrefix(conversationID)

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true, Prefix: prefix})
		defer it.Close()

		// Seek past every position in reverse order.
		it.Seek(append(append([]byte{}, prefix...), 0xff))
		if !it.ValidForPrefix(prefix) {
			return nil
		}

		msg, err := decodeItem(it.Item())
		if err != nil {
			return err
		}
		tail = Tail{Position: msg.Position, SentAt: msg.SentAt, Seq: msg.Position}
		return nil
	})
	if err != nil {
		return Tail{}, Unavailable("load tail", err)
	}
	return tail, nil
}

func (s *BadgerStore) commit(ctx context.Context, msg *model.Message, _ Tail) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, Unavailable("append", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode message: %w", err)
	}

	key := messageKey(msg.ConversationID, msg.Position)
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("position %d already written", msg.Position)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return 0, Unavailable("append", err)
	}
	return msg.Position, nil
}

// Read implements Store.
func (s *BadgerStore) Read(ctx context.Context, conversationID string, from uint64) iter.Seq2[model.Message, error] {
	return func(yield func(model.Message, error) bool) {
		prefix := conversationPrefix(conversationID)
		stopped := false

		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			defer it.Close()

			start := prefix
			if from > 1 {
				start = messageKey(conversationID, from)
			}
			for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				msg, err := decodeItem(it.Item())
				if err != nil {
					return err
				}
				if !yield(msg, nil) {
					stopped = true
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(model.Message{}, Unavailable("read", err))
		}
	}
}

// Latest implements Store.
func (s *BadgerStore) Latest(ctx context.Context) iter.Seq2[model.Message, error] {
	return func(yield func(model.Message, error) bool) {
		stopped := false

		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(convPrefix)
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()

			emit := func(key []byte) error {
				item, err := txn.Get(key)
				if err != nil {
					return err
				}
				msg, err := decodeItem(item)
				if err != nil {
					return err
				}
				if !yield(msg, nil) {
					stopped = true
				}
				return nil
			}

			// Keys of one conversation are contiguous, so the key before a
			// change of conversation is that conversation's last message.
			var lastKey []byte
			var lastConv string
			for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				key := it.Item().KeyCopy(nil)
				conv := conversationOf(key)
				if lastKey != nil && conv != lastConv {
					if err := emit(lastKey); err != nil || stopped {
						return err
					}
				}
				lastKey, lastConv = key, conv
			}
			if lastKey != nil {
				return emit(lastKey)
			}
			return nil
		})
		if err != nil && !stopped {
			yield(model.Message{}, Unavailable("latest", err))
		}
	}
}

func conversationOf(key []byte) string {
	rest := key[len(convPrefix):]
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == '/' {
			return string(rest[:i])
		}
	}
	return string(rest)
}

func decodeItem(item *badger.Item) (model.Message, error) {
	var msg model.Message
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	})
	return msg, err
}

// Ping implements Store.
func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return Unavailable("ping", errors.New("badger is closed"))
	}
	return nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's printf logging into zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
