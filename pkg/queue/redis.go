package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/runnerhub/pkg/types"
	"github.com/redis/go-redis/v9"
)

// redisEntry is the JSON envelope stored as a sorted-set member, since
// Redis members must be opaque strings/bytes.
type redisEntry struct {
	ID         string          `json:"id"`
	Priority   types.Priority  `json:"priority"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// RedisQueue is a durable Queue backed by a Redis sorted set, for
// deployments that need queued work to survive a process restart. The
// score orders by priority first and enqueue time second.
type RedisQueue struct {
	client *redis.Client
	key    string
	paused bool
}

// NewRedisQueue returns a durable queue stored under key on client.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

func score(priority types.Priority, enqueuedAt time.Time) float64 {
	// priority dominates the high bits, enqueue time breaks ties within a
	// priority without ever crossing into the next priority band.
	return float64(priority)*1e13 + float64(enqueuedAt.UnixMilli())
}

// Push enqueues item into the sorted set, serialized as JSON.
func (q *RedisQueue) Push(item Item) error {
	if q.paused {
		return ErrQueuePaused
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("marshal queue item payload: %w", err)
	}
	entry := redisEntry{ID: item.ID, Priority: item.Priority, Payload: payload, EnqueuedAt: item.EnqueuedAt}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	ctx := context.Background()
	return q.client.ZAdd(ctx, q.key, redis.Z{Score: score(item.Priority, item.EnqueuedAt), Member: raw}).Err()
}

// Pop removes and returns the lowest-scored (highest-priority, oldest)
// member, polling until one is available or ctx is cancelled.
func (q *RedisQueue) Pop(ctx context.Context) (Item, bool, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		item, ok, err := q.tryPop(ctx)
		if err != nil || ok {
			return item, ok, err
		}
		select {
		case <-ctx.Done():
			return Item{}, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) tryPop(ctx context.Context) (Item, bool, error) {
	results, err := q.client.ZPopMin(ctx, q.key, 1).Result()
	if err != nil {
		return Item{}, false, fmt.Errorf("zpopmin %s: %w", q.key, err)
	}
	if len(results) == 0 {
		return Item{}, false, nil
	}
	raw, ok := results[0].Member.(string)
	if !ok {
		return Item{}, false, fmt.Errorf("unexpected queue member type %T", results[0].Member)
	}
	var entry redisEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Item{}, false, fmt.Errorf("unmarshal queue entry: %w", err)
	}
	var payload interface{}
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return Item{}, false, fmt.Errorf("unmarshal queue payload: %w", err)
	}
	return Item{ID: entry.ID, Priority: entry.Priority, Payload: payload, EnqueuedAt: entry.EnqueuedAt}, true, nil
}

// Len returns the number of queued entries.
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// Pause stops Push from accepting new items.
func (q *RedisQueue) Pause() { q.paused = true }

// Resume re-enables Push.
func (q *RedisQueue) Resume() { q.paused = false }

// Drain removes and returns every queued entry.
func (q *RedisQueue) Drain() []Item {
	ctx := context.Background()
	var items []Item
	for {
		item, ok, err := q.tryPop(ctx)
		if err != nil || !ok {
			break
		}
		items = append(items, item)
	}
	return items
}

var _ Queue = (*RedisQueue)(nil)
