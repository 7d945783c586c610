package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/moy-bank/support-gateway/internal/model"
	"github.com/moy-bank/support-gateway/pkg/metrics"
	"github.com/moy-bank/support-gateway/pkg/tracing"
)

type instrumented struct {
	Store
	backend string
	tracer  trace.Tracer
}

// WithMetrics records append latency and a trace span around every append.
func WithMetrics(s Store, backend string) Store {
	return &instrumented{Store: s, backend: backend, tracer: tracing.Tracer()}
}

func (s *instrumented) Append(ctx context.Context, msg *model.Message, onCommit ...CommitHook) (uint64, error) {
	ctx, span := s.tracer.Start(ctx, "store.Append", trace.WithAttributes(
		attribute.String("store.backend", s.backend),
		attribute.String("conversation.id", msg.ConversationID),
	))
	defer span.End()

	start := time.Now()
	pos, err := s.Store.Append(ctx, msg, onCommit...)
	metrics.RecordAppend(s.backend, err, time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Int64("message.position", int64(pos)))
	return pos, nil
}
