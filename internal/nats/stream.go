package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/moy-bank/support-gateway/internal/model"
	"github.com/moy-bank/support-gateway/internal/store"
)

const (
	// StreamName is the name of the conversations stream.
	StreamName = "SUPPORT_CONVERSATIONS"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "support.conv"

	fetchBatch = 256
)

// StreamConfig tunes the conversations stream.
type StreamConfig struct {
	Replicas int
	MaxBytes int64
}

// StreamManager handles JetStream stream operations and implements
// store.Store with one subject per conversation.
type StreamManager struct {
	client *Client
	cfg    StreamConfig
	seq    *store.Sequencer
	stream jetstream.Stream
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client, cfg StreamConfig) *StreamManager {
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}
	return &StreamManager{client: client, cfg: cfg, seq: store.NewSequencer()}
}

// EnsureStream ensures the conversations stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	stream, err := js.Stream(ctx, StreamName)
	if err == nil {
		m.stream = stream
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return store.Unavailable("lookup stream", err)
	}

	maxBytes := m.cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = -1
	}

	// Support transcripts are never expired, deleted or purged.
	stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxBytes:    maxBytes,
		Discard:     jetstream.DiscardNew,
		Storage:     jetstream.FileStorage,
		Replicas:    m.cfg.Replicas,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Duplicates:  2 * time.Minute,
		Description: "Customer support conversation messages",
	})
	if err != nil {
		return store.Unavailable("create stream", err)
	}

	m.stream = stream
	m.client.logger.Info("Created conversations stream", zap.String("stream", StreamName))
	return nil
}

// MessageSubject returns the subject holding one conversation.
func MessageSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, conversationID)
}

// Append implements store.Store.
func (m *StreamManager) Append(ctx context.Context, msg *model.Message, onCommit ...store.CommitHook) (uint64, error) {
	return m.seq.Append(ctx, msg, m.loadTail, m.publish, onCommit...)
}

func (m *StreamManager) loadTail(ctx context.Context, conversationID string) (store.Tail, error) {
	raw, err := m.stream.GetLastMsgForSubject(ctx, MessageSubject(conversationID))
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return store.Tail{}, nil
	}
	if err != nil {
		return store.Tail{}, store.Unavailable("load tail", err)
	}

	var last model.Message
	if err := json.Unmarshal(raw.Data, &last); err != nil {
		return store.Tail{}, fmt.Errorf("decode tail of %s: %w", conversationID, err)
	}
	return store.Tail{Position: last.Position, SentAt: last.SentAt, Seq: raw.Sequence}, nil
}

// publish appends msg, failing if another writer got there first.
func (m *StreamManager) publish(ctx context.Context, msg *model.Message, prev store.Tail) (uint64, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, MessageSubject(msg.ConversationID), data,
		jetstream.WithMsgID(msg.ID),
		jetstream.WithExpectLastSequencePerSubject(prev.Seq),
	)
	if err != nil {
		return 0, store.Unavailable("publish", err)
	}

	return ack.Sequence, nil
}

// Read implements store.Store. It replays the conversation subject up to the
// stream sequence that was last when the read started.
func (m *StreamManager) Read(ctx context.Context, conversationID string, from uint64) iter.Seq2[model.Message, error] {
	return func(yield func(model.Message, error) bool) {
		subject := MessageSubject(conversationID)

		last, err := m.stream.GetLastMsgForSubject(ctx, subject)
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return
		}
		if err != nil {
			yield(model.Message{}, store.Unavailable("read", err))
			return
		}

		consumer, err := m.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
			FilterSubjects:    []string{subject},
			DeliverPolicy:     jetstream.DeliverAllPolicy,
			InactiveThreshold: 30 * time.Second,
		})
		if err != nil {
			yield(model.Message{}, store.Unavailable("create consumer", err))
			return
		}

		for {
			batch, err := consumer.Fetch(fetchBatch, jetstream.FetchMaxWait(2*time.Second))
			if err != nil {
				yield(model.Message{}, store.Unavailable("fetch", err))
				return
			}

			received := 0
			for raw := range batch.Messages() {
				received++
				meta, err := raw.Metadata()
				if err != nil {
					yield(model.Message{}, store.Unavailable("fetch", err))
					return
				}

				var msg model.Message
				if err := json.Unmarshal(raw.Data(), &msg); err != nil {
					yield(model.Message{}, fmt.Errorf("decode message %d: %w", meta.Sequence.Stream, err))
					return
				}
				if msg.Position >= from && !yield(msg, nil) {
					return
				}
				if meta.Sequence.Stream >= last.Sequence {
					return
				}
			}

			if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				yield(model.Message{}, store.Unavailable("fetch", err))
				return
			}
			if received == 0 {
				yield(model.Message{}, store.Unavailable("fetch", errors.New("stream ended before last known message")))
				return
			}
			if err := ctx.Err(); err != nil {
				yield(model.Message{}, err)
				return
			}
		}
	}
}

// Latest implements store.Store.
func (m *StreamManager) Latest(ctx context.Context) iter.Seq2[model.Message, error] {
	return func(yield func(model.Message, error) bool) {
		info, err := m.stream.Info(ctx, jetstream.WithSubjectFilter(SubjectPrefix+".>"))
		if err != nil {
			yield(model.Message{}, store.Unavailable("stream info", err))
			return
		}

		for subject := range info.State.Subjects {
			raw, err := m.stream.GetLastMsgForSubject(ctx, subject)
			if err != nil {
				yield(model.Message{}, store.Unavailable("latest", err))
				return
			}
			var msg model.Message
			if err := json.Unmarshal(raw.Data, &msg); err != nil {
				yield(model.Message{}, fmt.Errorf("decode %s: %w", subject, err))
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// Ping implements store.Store.
func (m *StreamManager) Ping(ctx context.Context) error {
	if !m.client.IsConnected() {
		return store.Unavailable("ping", errors.New("not connected to NATS"))
	}
	if _, err := m.stream.Info(ctx); err != nil {
		return store.Unavailable("ping", err)
	}
	return nil
}

// Close implements store.Store.
func (m *StreamManager) Close() error {
	m.client.Close()
	return nil
}
