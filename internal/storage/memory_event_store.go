package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aggrelog-io/aggrelog/internal/event"
)

// Compile-time interface assertion.
var _ event.Store = (*MemoryEventStore)(nil)

// MemoryEventStore is an in-memory implementation of event.Store.
//
// It mirrors the PostgreSQL semantics (keyed deduplication, counter deltas
// applied together with the insert) without a database, for handler and
// worker tests. SetFailure injects an error into every subsequent operation
// so retry and health-gating paths can be exercised.
type MemoryEventStore struct {
	mu       sync.RWMutex
	events   map[string]event.StoredEvent
	counters event.Counters
	nextID   int64
	failWith error
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events: make(map[string]event.StoredEvent),
	}
}

// SetFailure makes every following operation return err. Pass nil to heal.
func (s *MemoryEventStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failWith = err
}

// ApplyEvent stores the event if its key is unseen and bumps the matching counter.
func (s *MemoryEventStore) ApplyEvent(ctx context.Context, e *event.Event) (event.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return 0, s.failWith
	}

	return s.applyLocked(e), nil
}

// ApplyBatch applies every event and folds all counter deltas, including received.
func (s *MemoryEventStore) ApplyBatch(ctx context.Context, events []*event.Event) (event.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return event.BatchResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return event.BatchResult{}, s.failWith
	}

	var result event.BatchResult

	for _, e := range events {
		if s.applyLocked(e) == event.Inserted {
			result.Inserted++
		} else {
			result.Duplicate++
		}
	}

	s.counters.Received += int64(len(events))

	return result, nil
}

// applyLocked performs the keyed insert and counter bump. Caller holds the lock.
func (s *MemoryEventStore) applyLocked(e *event.Event) event.Outcome {
	key := e.Key()

	if _, exists := s.events[key]; exists {
		s.counters.DuplicateDropped++

		return event.Duplicate
	}

	s.nextID++
	s.events[key] = event.StoredEvent{
		ID:          s.nextID,
		Topic:       e.Topic,
		EventID:     e.EventID,
		Timestamp:   e.Timestamp,
		Source:      e.Source,
		Payload:     e.Payload,
		// Insert time, matching the NOW() the PostgreSQL store records.
		ProcessedAt: time.Now(),
	}
	s.counters.UniqueProcessed++

	return event.Inserted
}

// IncrementReceived adds n to the received counter.
func (s *MemoryEventStore) IncrementReceived(ctx context.Context, n int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}

	s.counters.Received += int64(n)

	return nil
}

// Counters returns a snapshot of the aggregate counters.
func (s *MemoryEventStore) Counters(_ context.Context) (event.Counters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failWith != nil {
		return event.Counters{}, s.failWith
	}

	return s.counters, nil
}

// ResetCounters zeroes the counters. Stored events are untouched.
func (s *MemoryEventStore) ResetCounters(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}

	s.counters = event.Counters{}

	return nil
}

// EventsByTopic returns up to limit events of a topic, newest first, skipping
// the first offset.
func (s *MemoryEventStore) EventsByTopic(_ context.Context, topic string, limit, offset int) ([]event.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failWith != nil {
		return nil, s.failWith
	}

	if limit < 0 {
		return nil, ErrInvalidLimit
	}

	if offset < 0 {
		return nil, ErrInvalidOffset
	}

	results := make([]event.StoredEvent, 0)

	for _, stored := range s.events {
		if stored.Topic == topic {
			results = append(results, stored)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if !results[i].Timestamp.Equal(results[j].Timestamp) {
			return results[i].Timestamp.After(results[j].Timestamp)
		}

		return results[i].ID > results[j].ID
	})

	if offset >= len(results) {
		return []event.StoredEvent{}, nil
	}

	results = results[offset:]

	if len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

// Topics returns the distinct topic list in lexicographic order.
func (s *MemoryEventStore) Topics(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failWith != nil {
		return nil, s.failWith
	}

	seen := make(map[string]struct{})

	for _, stored := range s.events {
		seen[stored.Topic] = struct{}{}
	}

	topics := make([]string, 0, len(seen))
	for topic := range seen {
		topics = append(topics, topic)
	}

	sort.Strings(topics)

	return topics, nil
}

// DeleteTopic removes stored events of a topic; empty topic removes everything.
func (s *MemoryEventStore) DeleteTopic(_ context.Context, topic string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return 0, s.failWith
	}

	var deleted int64

	for key, stored := range s.events {
		if topic == "" || stored.Topic == topic {
			delete(s.events, key)
			deleted++
		}
	}

	return deleted, nil
}

// HealthCheck reports the injected failure, if any.
func (s *MemoryEventStore) HealthCheck(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.failWith
}
