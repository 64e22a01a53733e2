package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aggrelog-io/aggrelog/internal/event"
)

// Compile-time interface assertion.
var _ Queue = (*RedisQueue)(nil)

// RedisQueue implements Queue on a Redis list.
//
// Enqueue is RPUSH, dequeue is BLPOP with timeout, depth is LLEN. Entries
// survive aggregator restarts as long as the Redis instance retains its data.
// Multiple aggregator processes may consume the same key; BLPOP guarantees
// each entry pops exactly once (competing consumers).
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue connects to Redis using the configured URL and verifies the
// connection with a ping before returning.
func NewRedisQueue(ctx context.Context, cfg *Config) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid queue URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}

	return &RedisQueue{
		client: client,
		key:    cfg.Key,
	}, nil
}

// Enqueue appends the event to the tail of the list.
func (q *RedisQueue) Enqueue(ctx context.Context, e *event.Event) error {
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}

	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}

	return nil
}

// Dequeue pops the head of the list, blocking up to timeout.
// Returns (nil, nil) when the timeout elapsed with no entry.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*event.Event, error) {
	res, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		// Timeout marker
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}

	// BLPOP returns [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("%w: unexpected BLPOP reply of %d elements", ErrMalformedEntry, len(res))
	}

	return decodeEntry([]byte(res[1]))
}

// Size returns the current list length.
func (q *RedisQueue) Size(ctx context.Context) (int64, error) {
	size, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}

	return size, nil
}

// HealthCheck pings the Redis instance.
func (q *RedisQueue) HealthCheck(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}

	return nil
}

// Close releases the Redis client. Queued entries remain in Redis.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Kind identifies the implementation for /queue/stats.
func (q *RedisQueue) Kind() string {
	return "redis"
}
