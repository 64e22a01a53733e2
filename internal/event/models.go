// Package event provides the domain models for the aggregator pipeline.
package event

import (
	"encoding/json"
	"time"
)

type (
	// Event represents a single log event submitted by a producer - Domain Model.
	//
	// Events are identified by the (Topic, EventID) pair. Submitting the same
	// identity more than once is legal and expected; the store guarantees at most
	// one persisted row per identity.
	//
	// This is a pure domain model without JSON tags. The API layer uses its own
	// request types and maps to this domain type.
	Event struct {
		// Topic is the logical stream the event belongs to. Non-empty, max 255 chars.
		Topic string

		// EventID identifies the event within its topic. Non-empty, max 255 chars.
		// (Topic, EventID) is the deduplication key.
		EventID string

		// Timestamp is the producer-side occurrence time (with timezone offset).
		// Used for ordering query results, not arrival time.
		Timestamp time.Time

		// Source names the producing system. Non-empty.
		Source string

		// Payload is an opaque JSON value. Stored verbatim, never interpreted.
		Payload json.RawMessage
	}

	// StoredEvent is an Event that reached durable storage.
	//
	// ID is the insert sequence assigned by the store on first successful insert
	// and is used as the stable tie-breaker when ordering by Timestamp.
	// ProcessedAt is set by the store at insert time and never mutated.
	StoredEvent struct {
		ID          int64
		Topic       string
		EventID     string
		Timestamp   time.Time
		Source      string
		Payload     json.RawMessage
		ProcessedAt time.Time
	}

	// Counters is a snapshot of the aggregate pipeline counters.
	//
	// Received counts events accepted by ingestion before deduplication.
	// UniqueProcessed counts events that became StoredEvents.
	// DuplicateDropped counts events rejected by the idempotency check.
	//
	// At quiescence Received == UniqueProcessed + DuplicateDropped; while events
	// are in flight the left side may exceed the right, never the reverse.
	Counters struct {
		Received         int64
		UniqueProcessed  int64
		DuplicateDropped int64
	}

	// Outcome is the result of an idempotent insert attempt.
	//
	// Duplicate is a first-class outcome, not an error: it drives counter
	// selection and maps to a successful response at the API boundary.
	Outcome int

	// BatchResult reports the per-outcome totals of an atomic batch apply.
	BatchResult struct {
		Inserted  int
		Duplicate int
	}
)

const (
	// Inserted means the event was newly persisted.
	Inserted Outcome = iota

	// Duplicate means an event with the same (topic, event_id) already exists.
	Duplicate
)

// String returns the string representation of the Outcome.
func (o Outcome) String() string {
	if o == Inserted {
		return "inserted"
	}

	return "duplicate"
}

// Key returns the deduplication key of the event as "topic/event_id".
// Used for logging; storage relies on the column pair, not this string.
func (e *Event) Key() string {
	return e.Topic + "/" + e.EventID
}

// DedupRatePercent computes the duplicate rate as a percentage of received
// events. Pure function of the snapshot; guarded against division by zero.
func (c Counters) DedupRatePercent() float64 {
	received := c.Received
	if received < 1 {
		received = 1
	}

	return float64(c.DuplicateDropped) / float64(received) * 100
}
