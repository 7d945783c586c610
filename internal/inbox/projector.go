// Package inbox maintains the agent inbox: the latest activity of every
// conversation, pushed live to the agent pool.
package inbox

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/moy-bank/support-gateway/internal/model"
	"github.com/moy-bank/support-gateway/pkg/logger"
	"github.com/moy-bank/support-gateway/pkg/metrics"
)

// DefaultPreviewLength is the preview size in characters when none is configured.
const DefaultPreviewLength = 120

// Broadcaster fans an event out to a room.
type Broadcaster interface {
	Broadcast(room string, ev model.Event) int
}

// Source yields the last message of every conversation.
type Source interface {
	Latest(ctx context.Context) iter.Seq2[model.Message, error]
}

// Projector derives inbox entries from appended messages.
type Projector struct {
	previewLen int
	out        Broadcaster
	log        *logger.Logger

	mu      sync.RWMutex
	entries map[string]model.InboxEntry
}

// NewProjector creates a projector publishing updates through out, which may be nil.
func NewProjector(out Broadcaster, previewLen int, log *logger.Logger) *Projector {
	if previewLen <= 0 {
		previewLen = DefaultPreviewLength
	}
	if log == nil {
		log = logger.Global()
	}
	return &Projector{
		previewLen: previewLen,
		out:        out,
		log:        log,
		entries:    make(map[string]model.InboxEntry),
	}
}

// OnAppend applies msg and reports whether the entry changed. Messages at or
// behind the current position of their conversation are ignored.
func (p *Projector) OnAppend(msg model.Message) (model.InboxEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, applied := p.apply(msg)
	if applied && p.out != nil {
		// Published under the lock so agents see a conversation's updates in order.
		p.out.Broadcast(model.AgentPoolRoom, model.InboxEvent(entry))
	}
	return entry, applied
}

func (p *Projector) apply(msg model.Message) (model.InboxEntry, bool) {
	cur, ok := p.entries[msg.ConversationID]
	if ok && msg.Position <= cur.LastPosition {
		return cur, false
	}

	entry := model.InboxEntry{
		ConversationID:     msg.ConversationID,
		LastMessagePreview: preview(msg.Body, p.previewLen),
		LastMessageAt:      msg.SentAt,
		LastPosition:       msg.Position,
		AwaitingReply:      !msg.FromAgent,
	}
	p.entries[msg.ConversationID] = entry
	metrics.InboxEntries.Set(float64(len(p.entries)))
	return entry, true
}

// Get returns the entry of one conversation.
func (p *Projector) Get(conversationID string) (model.InboxEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.entries[conversationID]
	return entry, ok
}

// List returns all entries, most recent first. Ties are ordered by conversation id.
func (p *Projector) List() []model.InboxEntry {
	p.mu.RLock()
	entries := lo.Values(p.entries)
	p.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		return a.ConversationID < b.ConversationID
	})
	return entries
}

// Seed rebuilds entries from src without broadcasting.
func (p *Projector) Seed(ctx context.Context, src Source) error {
	n := 0
	for msg, err := range src.Latest(ctx) {
		if err != nil {
			return err
		}
		p.mu.Lock()
		if _, applied := p.apply(msg); applied {
			n++
		}
		p.mu.Unlock()
	}
	p.log.Info("Seeded inbox", zap.Int("conversations", n))
	return nil
}

func preview(body string, n int) string {
	body = strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(body) <= n {
		return body
	}
	runes := []rune(body)
	return string(runes[:n-1]) + "…"
}
