package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// dedupTTL bounds how long an event ID is remembered. Agents retry failed
// uploads within minutes, so a day of retention is generous.
const dedupTTL = 24 * time.Hour

// RedisDeduper implements Deduper on a shared Redis instance so replays
// are caught across server replicas.
type RedisDeduper struct {
	client *redis.Client
}

// NewRedisDeduper connects to Redis and verifies the connection.
func NewRedisDeduper(addr string, password string, db int) (*RedisDeduper, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisDeduper{client: client}, nil
}

// Seen reports whether the event ID has been recorded. Read-only: a
// concurrent duplicate slipping past this check is caught by the store's
// primary-key collision.
func (d *RedisDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := d.client.Exists(ctx, "event:seen:"+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkSeen records the IDs after their events have been durably ingested.
func (d *RedisDeduper) MarkSeen(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	pipe := d.client.Pipeline()
	for _, id := range eventIDs {
		pipe.Set(ctx, "event:seen:"+id, 1, dedupTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Close releases the Redis connection.
func (d *RedisDeduper) Close() error {
	return d.client.Close()
}

// MemoryDeduper is the single-node fallback when no Redis is configured.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryDeduper initializes an empty MemoryDeduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]time.Time)}
}

func (d *MemoryDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.seen[eventID]
	return ok && time.Since(at) < dedupTTL, nil
}

func (d *MemoryDeduper) MarkSeen(ctx context.Context, eventIDs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for _, id := range eventIDs {
		d.seen[id] = now
	}
	return nil
}
