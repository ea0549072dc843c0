package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/delivery-dispatch/internal/models"
)

// Store is the capability interface behind the offline queue: in-process
// for a single gateway, Redis lists when several instances share users.
type Store interface {
	Append(ctx context.Context, userID string, msg models.QueuedMessage) error
	Drain(ctx context.Context, userID string) ([]models.QueuedMessage, error)
}

type MemoryStore struct {
	mu   sync.Mutex
	byID map[string][]models.QueuedMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string][]models.QueuedMessage)}
}

func (m *MemoryStore) Append(ctx context.Context, userID string, msg models.QueuedMessage) error {
	m.mu.Lock()
	m.byID[userID] = append(m.byID[userID], msg)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Drain(ctx context.Context, userID string) ([]models.QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.byID[userID]
	delete(m.byID, userID)
	return msgs, nil
}

func (m *MemoryStore) dropExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for id, msgs := range m.byID {
		kept := msgs[:0]
		for _, msg := range msgs {
			if msg.Expired(now) {
				dropped++
				continue
			}
			kept = append(kept, msg)
		}
		if len(kept) == 0 {
			delete(m.byID, id)
		} else {
			m.byID[id] = kept
		}
	}
	return dropped
}

// RedisStore keeps one list per user; RPUSH preserves insertion order and
// the key TTL bounds durability at the queue's retention window.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func queueKey(userID string) string { return "offline:" + userID }

func (r *RedisStore) Append(ctx context.Context, userID string, msg models.QueuedMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, queueKey(userID), b)
	pipe.Expire(ctx, queueKey(userID), r.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Drain(ctx context.Context, userID string) ([]models.QueuedMessage, error) {
	pipe := r.client.TxPipeline()
	lrange := pipe.LRange(ctx, queueKey(userID), 0, -1)
	pipe.Del(ctx, queueKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	vals, err := lrange.Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.QueuedMessage, 0, len(vals))
	for _, v := range vals {
		var m models.QueuedMessage
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			continue // skip undecodable entries rather than fail the flush
		}
		out = append(out, m)
	}
	return out, nil
}
