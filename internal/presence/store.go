package presence

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Store keeps the cross-process view of user presence. Components depend on
// this interface only; whether the Redis or in-process implementation is
// active is a startup decision.
type Store interface {
	SetOnline(ctx context.Context, userID string, online bool) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	online map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{online: make(map[string]bool)}
}

func (m *MemoryStore) SetOnline(ctx context.Context, userID string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if online {
		m.online[userID] = true
	} else {
		delete(m.online, userID)
	}
	return nil
}

func (m *MemoryStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online[userID], nil
}

// RedisStore extends presence across gateway instances. Writes are plain
// keyed SETs with a TTL, idempotent and re-appliable; transitions are also
// published tagged with the writer's instance id so subscribers can ignore
// their own.
type RedisStore struct {
	client   *redis.Client
	channel  string
	ttl      time.Duration
	instance string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:   client,
		channel:  "presence_events",
		ttl:      10 * time.Minute,
		instance: uuid.NewString(),
	}
}

func presenceKey(userID string) string { return "presence:" + userID }

func (r *RedisStore) SetOnline(ctx context.Context, userID string, online bool) error {
	var err error
	if online {
		err = r.client.Set(ctx, presenceKey(userID), StatusOnline, r.ttl).Err()
	} else {
		err = r.client.Del(ctx, presenceKey(userID)).Err()
	}
	if err != nil {
		return err
	}
	status := StatusOffline
	if online {
		status = StatusOnline
	}
	return r.client.Publish(ctx, r.channel, r.instance+"|"+userID+"|"+status).Err()
}

// Subscribe delivers presence transitions published by other instances
// until ctx is done. Transitions this instance published are skipped, so
// fn only ever sees remote state.
func (r *RedisStore) Subscribe(ctx context.Context, fn func(userID, status string)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			parts := strings.SplitN(m.Payload, "|", 3)
			if len(parts) != 3 || parts[0] == r.instance {
				continue
			}
			fn(parts[1], parts[2])
		}
	}
}

func (r *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	v, err := r.client.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return v > 0, nil
}
