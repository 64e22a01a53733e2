// Package event provides domain models and the persistence interface for the
// aggregator pipeline.
//
// This package defines the Store interface which represents what the domain
// needs for deduplicating persistence, following the Dependency Inversion
// Principle. Concrete implementations (PostgreSQL, in-memory) live in the
// internal/storage package.
package event

import "context"

// Store defines the interface for deduplicating event persistence.
//
// The domain package defines this interface to specify what it needs, without
// depending on concrete implementations. Implementations must guarantee:
//
//   - Idempotency: at most one StoredEvent per (topic, event_id); a repeated
//     insert returns the Duplicate outcome, never an error.
//   - Atomic counters: every counter mutation is an atomic delta expression
//     executed at the store, never a client-side read-then-write.
//   - Transactional compounds: ApplyEvent and ApplyBatch couple the insert
//     outcome and the matching counter increments in a single transaction, so
//     UniqueProcessed always equals the StoredEvent count at commit boundaries.
//
// Concurrent callers need no external locking; the store's unique constraint
// is the serialization point.
type Store interface {
	// ApplyEvent performs the transactional compound for a single event:
	// insert-if-absent plus the matching counter increment, in one transaction.
	//
	// Returns Inserted if the event was newly persisted (UniqueProcessed
	// incremented) or Duplicate if the identity already existed
	// (DuplicateDropped incremented). Errors indicate genuine storage
	// failures; callers retry transient ones, which idempotency makes safe.
	ApplyEvent(ctx context.Context, e *Event) (Outcome, error)

	// ApplyBatch applies a batch in a single transaction: per-event
	// insert-if-absent, then all three counter deltas (received, unique,
	// duplicate) at the end.
	//
	// Within one batch, repeated identities obey idempotency: exactly the
	// first occurrence is Inserted, the rest Duplicate. An aborted
	// transaction leaves counters and rows untouched; a retried batch
	// yields the same result.
	ApplyBatch(ctx context.Context, events []*Event) (BatchResult, error)

	// IncrementReceived atomically adds n to the received counter in an
	// independent transaction. Used by queued-mode ingestion before
	// enqueueing, so received never lags behind processing counters.
	IncrementReceived(ctx context.Context, n int) error

	// Counters returns a point-in-time snapshot of the aggregate counters.
	Counters(ctx context.Context) (Counters, error)

	// ResetCounters zeroes all counters. Stored events are untouched, so the
	// processed counters disagree with the row count until the next reset
	// cycle; this is an operational aid, not a consistency operation.
	ResetCounters(ctx context.Context) error

	// EventsByTopic returns up to limit stored events of a topic, skipping the
	// first offset, ordered by descending timestamp with insert sequence as
	// the stable tie-breaker.
	EventsByTopic(ctx context.Context, topic string, limit, offset int) ([]StoredEvent, error)

	// Topics returns the distinct topic list in stable (lexicographic) order.
	Topics(ctx context.Context) ([]string, error)

	// DeleteTopic removes all stored events of a topic and returns the number
	// of rows removed. Counters are untouched. Destructive test/demo aid.
	DeleteTopic(ctx context.Context, topic string) (int64, error)

	// HealthCheck verifies the storage backend is reachable and ready.
	HealthCheck(ctx context.Context) error
}
