package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/metsuke-ai/metsuke/internal/storage"
)

// Notification is one {run_id, seq} pointer delivered through Postgres
// LISTEN/NOTIFY. Subscribers use the sequence as a cursor and fetch the
// event body themselves, so a dropped notification only delays delivery
// until the next one.
type Notification struct {
	RunID uuid.UUID `json:"run_id"`
	Seq   int64     `json:"seq"`
}

// NotifySource is the LISTEN surface the broker consumes. Implemented by
// *storage.DB; faked in tests.
type NotifySource interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans out pipeline event notifications to per-run SSE subscribers.
// It runs a background goroutine that waits on the dedicated notify
// connection and routes each pointer to the subscribers of that run.
type Broker struct {
	source NotifySource
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[chan Notification]struct{}
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(source NotifySource, logger *slog.Logger) *Broker {
	return &Broker{
		source:      source,
		logger:      logger,
		subscribers: make(map[uuid.UUID]map[chan Notification]struct{}),
	}
}

// Start listens on the pipeline events channel and routes notifications.
// It blocks, so call it in a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.source.Listen(ctx, storage.ChannelPipelineEvents); err != nil {
		b.logger.Error("broker: listen failed", "error", err)
		return
	}
	b.logger.Info("broker: listening for pipeline events", "channel", storage.ChannelPipelineEvents)

	for {
		_, payload, err := b.source.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		var n Notification
		if err := json.Unmarshal([]byte(payload), &n); err != nil {
			b.logger.Warn("broker: malformed notification payload", "payload", payload, "error", err)
			continue
		}
		b.dispatch(n)
	}
}

// Subscribe returns a channel receiving event pointers for one run.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(runID uuid.UUID) chan Notification {
	ch := make(chan Notification, 64) // Buffer to avoid blocking the dispatch loop.
	b.mu.Lock()
	subs, ok := b.subscribers[runID]
	if !ok {
		subs = make(map[chan Notification]struct{})
		b.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(runID uuid.UUID, ch chan Notification) {
	b.mu.Lock()
	if subs, ok := b.subscribers[runID]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(b.subscribers, runID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

// dispatch sends a notification to the run's subscribers. Slow subscribers
// with a full buffer are skipped; they recover on the next notification by
// reading forward from their cursor.
func (b *Broker) dispatch(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[n.RunID] {
		select {
		case ch <- n:
		default:
		}
	}
}
