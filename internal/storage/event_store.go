package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/lib/pq"

	"github.com/aggrelog-io/aggrelog/internal/config"
	"github.com/aggrelog-io/aggrelog/internal/event"
)

// Sentinel errors for event storage operations.
var (
	// ErrEventStoreFailed is returned when an event storage operation fails.
	ErrEventStoreFailed = errors.New("event storage failed")

	// ErrInvalidLimit is returned when a query limit is negative.
	ErrInvalidLimit = errors.New("limit cannot be negative")

	// ErrInvalidOffset is returned when a query offset is negative.
	ErrInvalidOffset = errors.New("offset cannot be negative")

	// Compile-time interface assertion: EventStore implements the domain
	// persistence contract. Early compile-time error if the contract changes.
	_ event.Store = (*EventStore)(nil)
)

// EventStore implements event.Store with a PostgreSQL backend.
//
// Deduplication rides on the UNIQUE (topic, event_id) constraint: the insert
// uses ON CONFLICT DO NOTHING and derives the outcome from the affected row
// count, so a duplicate is a value, never an error. Two concurrent inserts of
// the same key serialize on the constraint and exactly one reports Inserted.
//
// Every counter mutation is an atomic delta expression (count = count + n)
// executed inside the same transaction as the insert it accounts for, which
// makes lost updates impossible at any isolation level.
type EventStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewEventStore creates a PostgreSQL-backed deduplicating event store.
func NewEventStore(conn *Connection) (*EventStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &EventStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// ApplyEvent stores a single event and its counter increment in one transaction.
//
// On Inserted the unique_processed counter advances, on Duplicate the
// duplicate_dropped counter advances; either way the counter delta commits or
// rolls back together with the insert, so unique_processed always equals the
// stored row count at commit boundaries.
func (s *EventStore) ApplyEvent(ctx context.Context, e *event.Event) (event.Outcome, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to begin transaction: %w", ErrEventStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	outcome, err := tryInsert(ctx, tx, e)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	counter := "unique_processed"
	if outcome == event.Duplicate {
		counter = "duplicate_dropped"
	}

	if err := incrementCounter(ctx, tx, counter, 1); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	s.logger.Debug("event applied",
		slog.String("key", e.Key()),
		slog.String("outcome", outcome.String()),
	)

	return outcome, nil
}

// ApplyBatch applies a whole batch in a single transaction.
//
// Each event runs through the same conflict-driven insert; repeated keys
// within the batch resolve inside the open transaction, so exactly the first
// occurrence inserts and the rest count as duplicates. All three counter
// deltas (received, unique, duplicate) land at the end of the same
// transaction, which keeps every counter invariant exact at the commit
// boundary. An aborted transaction changes nothing and the batch can be
// retried wholesale.
func (s *EventStore) ApplyBatch(ctx context.Context, events []*event.Event) (event.BatchResult, error) {
	var result event.BatchResult

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("%w: failed to begin transaction: %w", ErrEventStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	for _, e := range events {
		outcome, err := tryInsert(ctx, tx, e)
		if err != nil {
			return event.BatchResult{}, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
		}

		if outcome == event.Inserted {
			result.Inserted++
		} else {
			result.Duplicate++
		}
	}

	query := `
		UPDATE metrics
		SET received = received + $1,
		    unique_processed = unique_processed + $2,
		    duplicate_dropped = duplicate_dropped + $3
		WHERE id = 1
	`

	if _, err := tx.ExecContext(ctx, query, len(events), result.Inserted, result.Duplicate); err != nil {
		return event.BatchResult{}, fmt.Errorf("%w: failed to update counters: %w", ErrEventStoreFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return event.BatchResult{}, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	s.logger.Info("batch applied",
		slog.Int("events", len(events)),
		slog.Int("inserted", result.Inserted),
		slog.Int("duplicate", result.Duplicate),
	)

	return result, nil
}

// IncrementReceived atomically adds n to the received counter.
func (s *EventStore) IncrementReceived(ctx context.Context, n int) error {
	query := `UPDATE metrics SET received = received + $1 WHERE id = 1`

	if _, err := s.conn.ExecContext(ctx, query, n); err != nil {
		return fmt.Errorf("%w: failed to increment received: %w", ErrEventStoreFailed, err)
	}

	return nil
}

// Counters returns a point-in-time snapshot of the aggregate counters.
func (s *EventStore) Counters(ctx context.Context) (event.Counters, error) {
	var c event.Counters

	query := `SELECT received, unique_processed, duplicate_dropped FROM metrics WHERE id = 1`

	err := s.conn.QueryRowContext(ctx, query).Scan(&c.Received, &c.UniqueProcessed, &c.DuplicateDropped)
	if err != nil {
		return event.Counters{}, fmt.Errorf("%w: failed to read counters: %w", ErrEventStoreFailed, err)
	}

	return c, nil
}

// ResetCounters zeroes all counters. Stored events are untouched.
func (s *EventStore) ResetCounters(ctx context.Context) error {
	query := `UPDATE metrics SET received = 0, unique_processed = 0, duplicate_dropped = 0 WHERE id = 1`

	if _, err := s.conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("%w: failed to reset counters: %w", ErrEventStoreFailed, err)
	}

	s.logger.Warn("counters reset to zero")

	return nil
}

// EventsByTopic returns up to limit stored events of a topic, newest first,
// skipping the first offset, with the insert sequence breaking timestamp ties.
func (s *EventStore) EventsByTopic(ctx context.Context, topic string, limit, offset int) ([]event.StoredEvent, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}

	if offset < 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidOffset, offset)
	}

	if limit == 0 {
		return []event.StoredEvent{}, nil
	}

	query := `
		SELECT id, topic, event_id, timestamp, source, payload, processed_at
		FROM events
		WHERE topic = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.conn.QueryContext(ctx, query, topic, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query events: %w", ErrEventStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	results := make([]event.StoredEvent, 0, limit)

	for rows.Next() {
		var stored event.StoredEvent

		err := rows.Scan(
			&stored.ID,
			&stored.Topic,
			&stored.EventID,
			&stored.Timestamp,
			&stored.Source,
			&stored.Payload,
			&stored.ProcessedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan event: %w", ErrEventStoreFailed, err)
		}

		results = append(results, stored)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	return results, nil
}

// Topics returns the distinct topic list in lexicographic order.
func (s *EventStore) Topics(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT topic FROM events ORDER BY topic`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query topics: %w", ErrEventStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	topics := make([]string, 0)

	for rows.Next() {
		var topic string

		if err := rows.Scan(&topic); err != nil {
			return nil, fmt.Errorf("%w: failed to scan topic: %w", ErrEventStoreFailed, err)
		}

		topics = append(topics, topic)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	return topics, nil
}

// DeleteTopic removes all stored events of a topic; an empty topic removes
// every stored event. Counters are untouched. Destructive test/demo aid.
func (s *EventStore) DeleteTopic(ctx context.Context, topic string) (int64, error) {
	var (
		result sql.Result
		err    error
	)

	if topic == "" {
		result, err = s.conn.ExecContext(ctx, `DELETE FROM events`)
	} else {
		result, err = s.conn.ExecContext(ctx, `DELETE FROM events WHERE topic = $1`, topic)
	}

	if err != nil {
		return 0, fmt.Errorf("%w: failed to delete events: %w", ErrEventStoreFailed, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	s.logger.Warn("stored events deleted",
		slog.String("topic", topic),
		slog.Int64("rows", deleted),
	)

	return deleted, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *EventStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// tryInsert attempts the idempotent insert inside an open transaction.
//
// ON CONFLICT DO NOTHING leaves the existing row untouched and reports zero
// affected rows, which maps directly to the Duplicate outcome. Repeated keys
// inside one transaction conflict against the transaction's own earlier
// insert, so in-batch duplicates behave identically to stored ones.
func tryInsert(ctx context.Context, tx *sql.Tx, e *event.Event) (event.Outcome, error) {
	query := `
		INSERT INTO events (topic, event_id, timestamp, source, payload, processed_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (topic, event_id) DO NOTHING
	`

	payload := e.Payload
	if payload == nil {
		payload = []byte("null")
	}

	result, err := tx.ExecContext(ctx, query, e.Topic, e.EventID, e.Timestamp, e.Source, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event %s: %w", e.Key(), err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return event.Duplicate, nil
	}

	return event.Inserted, nil
}

// incrementCounter applies an atomic delta to a single metrics column.
// The column name is fixed by the caller, never derived from input.
func incrementCounter(ctx context.Context, tx *sql.Tx, column string, n int) error {
	query := fmt.Sprintf(`UPDATE metrics SET %s = %s + $1 WHERE id = 1`, column, column)

	if _, err := tx.ExecContext(ctx, query, n); err != nil {
		return fmt.Errorf("failed to increment %s: %w", column, err)
	}

	return nil
}

// IsTransientError reports whether an error is worth retrying: connection
// loss, serialization failure, deadlock victim, or statement timeout.
// Idempotent inserts make such retries safe.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)

		// Class 08 = connection exception
		if strings.HasPrefix(code, "08") {
			return true
		}

		switch code {
		case "40001": // serialization_failure
			return true
		case "40P01": // deadlock_detected
			return true
		case "57014": // query_canceled (statement timeout)
			return true
		}
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

// IsConnectionError reports whether an error indicates the database itself is
// unreachable (PostgreSQL class 08 or a dead pooled connection). Workers use
// this to pause and poll health instead of burning their retry budget.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
