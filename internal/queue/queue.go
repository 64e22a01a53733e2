// Package queue provides the durable FIFO buffer between ingestion and the
// worker pool.
//
// The primary implementation is a Redis list (RPUSH/BLPOP), which survives
// aggregator restarts and supports competing consumers: each entry is handed
// to at most one worker. An in-memory implementation with the same contract
// exists as a non-durable test double.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aggrelog-io/aggrelog/internal/config"
	"github.com/aggrelog-io/aggrelog/internal/event"
)

const (
	defaultQueueKey       = "event_queue"
	defaultDequeueTimeout = 5 * time.Second
)

// Sentinel errors for queue operations.
var (
	// ErrQueueUnavailable is returned when the backing store cannot be reached.
	// Ingestion surfaces this as a 5xx; atomic mode is unaffected.
	ErrQueueUnavailable = errors.New("queue unavailable")

	// ErrQueueClosed is returned for operations on a closed queue.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrMalformedEntry is returned when a dequeued entry cannot be decoded.
	// Entries were validated at ingestion, so this indicates store corruption
	// or schema drift; workers log and discard.
	ErrMalformedEntry = errors.New("malformed queue entry")
)

type (
	// Queue is the durable FIFO contract between ingestion and workers.
	//
	// Dequeue removes the entry before the worker commits (pop-then-process):
	// a worker crash between dequeue and commit loses that entry. Losses are
	// bounded to entries held by crashed workers; entries still queued survive
	// process restarts.
	Queue interface {
		// Enqueue appends an event. Returns after the entry is durably
		// recorded. Fails only when the backing store is unavailable.
		Enqueue(ctx context.Context, e *event.Event) error

		// Dequeue blocks up to timeout for the next entry in FIFO order.
		// Returns (nil, nil) as the timeout marker when no entry arrived.
		// Each entry is delivered to exactly one caller.
		Dequeue(ctx context.Context, timeout time.Duration) (*event.Event, error)

		// Size returns the current depth, best-effort snapshot.
		Size(ctx context.Context) (int64, error)

		// HealthCheck verifies the backing store is reachable.
		HealthCheck(ctx context.Context) error

		// Close releases the queue's resources. Queued entries are retained
		// by durable implementations.
		Close() error

		// Kind names the implementation ("redis" or "memory") for /queue/stats.
		Kind() string
	}

	// Config holds queue configuration loaded from the environment.
	Config struct {
		// URL is the Redis connection URL (QUEUE_URL).
		URL string

		// Key is the logical queue name, the Redis list key (QUEUE_KEY).
		Key string

		// UseInMemory selects the in-memory test double (USE_INMEMORY_QUEUE).
		UseInMemory bool

		// DequeueTimeout bounds each blocking dequeue so workers can observe
		// shutdown between entries.
		DequeueTimeout time.Duration
	}

	// entry is the wire format of a queued event. Timestamps travel as
	// RFC3339Nano so producer-side precision survives the round trip.
	entry struct {
		Topic     string          `json:"topic"`
		EventID   string          `json:"event_id"` //nolint: tagliatelle
		Timestamp string          `json:"timestamp"`
		Source    string          `json:"source"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}
)

// LoadConfig loads queue configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		URL:            config.GetEnvStr("QUEUE_URL", "redis://localhost:6379/0"),
		Key:            config.GetEnvStr("QUEUE_KEY", defaultQueueKey),
		UseInMemory:    config.GetEnvBool("USE_INMEMORY_QUEUE", false),
		DequeueTimeout: config.GetEnvDuration("QUEUE_DEQUEUE_TIMEOUT", defaultDequeueTimeout),
	}
}

// encodeEntry serializes an event into the queue wire format.
func encodeEntry(e *event.Event) ([]byte, error) {
	data, err := json.Marshal(entry{
		Topic:     e.Topic,
		EventID:   e.EventID,
		Timestamp: e.Timestamp.Format(time.RFC3339Nano),
		Source:    e.Source,
		Payload:   e.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode queue entry: %w", err)
	}

	return data, nil
}

// decodeEntry deserializes a queue entry back into an event.
func decodeEntry(data []byte) (*event.Event, error) {
	var ent entry
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEntry, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, ent.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q: %w", ErrMalformedEntry, ent.Timestamp, err)
	}

	return &event.Event{
		Topic:     ent.Topic,
		EventID:   ent.EventID,
		Timestamp: ts,
		Source:    ent.Source,
		Payload:   ent.Payload,
	}, nil
}
