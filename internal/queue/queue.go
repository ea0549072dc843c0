package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
)

// OfflineMessageQueue holds events addressed to currently-unreachable
// users. Enqueue is deliberately best-effort and never reports failure to
// the caller: if the shared store is down the message lands in the
// in-process fallback, and loss on restart is an accepted trade.
type OfflineMessageQueue struct {
	store    Store
	fallback *MemoryStore
	ttl      time.Duration
	log      *slog.Logger
	now      func() time.Time
}

func New(store Store, ttl time.Duration, log *slog.Logger) *OfflineMessageQueue {
	fallback := NewMemoryStore()
	if store == nil {
		store = fallback
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &OfflineMessageQueue{store: store, fallback: fallback, ttl: ttl, log: log, now: time.Now}
}

// Enqueue stamps the message and stores it. Always succeeds from the
// caller's point of view.
func (q *OfflineMessageQueue) Enqueue(userID string, msg models.QueuedMessage) {
	now := q.now()
	msg.EnqueuedAt = now
	if msg.ExpiresAt.IsZero() {
		msg.ExpiresAt = now.Add(q.ttl)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.store.Append(ctx, userID, msg); err != nil {
		observability.CacheDegraded.Inc()
		q.log.Warn("queue store degraded, using in-process fallback", "user_id", userID, "error", err)
		_ = q.fallback.Append(ctx, userID, msg)
	}
	observability.MessagesQueued.Inc()
}

// DrainAndClear consumes the user's queue, returning unexpired messages in
// insertion order. A second immediate drain returns nothing. Expired
// entries are dropped silently.
func (q *OfflineMessageQueue) DrainAndClear(ctx context.Context, userID string) []models.QueuedMessage {
	var raw []models.QueuedMessage
	msgs, err := q.store.Drain(ctx, userID)
	if err != nil {
		observability.CacheDegraded.Inc()
		q.log.Warn("queue drain degraded", "user_id", userID, "error", err)
	} else {
		raw = msgs
	}
	if q.store != Store(q.fallback) {
		if fb, err := q.fallback.Drain(ctx, userID); err == nil {
			raw = append(raw, fb...)
		}
	}

	now := q.now()
	out := raw[:0]
	for _, m := range raw {
		if m.Expired(now) {
			observability.MessagesExpired.Inc()
			continue
		}
		out = append(out, m)
	}
	observability.MessagesFlushed.Add(float64(len(out)))
	return out
}

// Run sweeps expired entries out of the in-process stores on an interval.
// Redis-held messages expire via key TTL instead.
func (q *OfflineMessageQueue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := q.now()
			if ms, ok := q.store.(*MemoryStore); ok {
				observability.MessagesExpired.Add(float64(ms.dropExpired(now)))
			} else {
				observability.MessagesExpired.Add(float64(q.fallback.dropExpired(now)))
			}
		}
	}
}
