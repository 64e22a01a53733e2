package queue

import (
	"context"
	"sync"
	"time"

	"github.com/aggrelog-io/aggrelog/internal/event"
)

// Compile-time interface assertion.
var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue implements Queue in process memory.
//
// Non-durable test double selected by USE_INMEMORY_QUEUE: entries do not
// survive process restart and never leave the process. FIFO order and
// single-delivery semantics match the Redis implementation; entries round-trip
// through the same wire encoding so codec defects surface in tests too.
type MemoryQueue struct {
	mu      sync.Mutex
	entries [][]byte
	signal  chan struct{}
	closed  bool
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends the event. Honors context cancellation like the Redis
// implementation, so cancellation behavior is testable against the double.
func (q *MemoryQueue) Enqueue(ctx context.Context, e *event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeEntry(e)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.entries = append(q.entries, data)

	// Wake one blocked consumer. Non-blocking: a full signal channel already
	// guarantees a wakeup.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return nil
}

// Dequeue pops the head entry, blocking up to timeout.
// Returns (nil, nil) when the timeout elapsed with no entry.
func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*event.Event, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if data, ok, err := q.tryPop(); err != nil {
			return nil, err
		} else if ok {
			return decodeEntry(data)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.signal:
			// Retry; another consumer may have won the entry.
		}
	}
}

// tryPop removes and returns the head entry if one exists.
func (q *MemoryQueue) tryPop() ([]byte, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, false, ErrQueueClosed
	}

	if len(q.entries) == 0 {
		return nil, false, nil
	}

	data := q.entries[0]
	q.entries = q.entries[1:]

	// Keep the signal hot while entries remain so other blocked consumers
	// also wake up.
	if len(q.entries) > 0 {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}

	return data, true, nil
}

// Size returns the current depth.
func (q *MemoryQueue) Size(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}

	return int64(len(q.entries)), nil
}

// HealthCheck always succeeds for an open in-memory queue.
func (q *MemoryQueue) HealthCheck(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	return nil
}

// Close marks the queue closed and discards queued entries.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		q.entries = nil
		close(q.signal)
	}

	return nil
}

// Kind identifies the implementation for /queue/stats.
func (q *MemoryQueue) Kind() string {
	return "memory"
}
