package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aggrelog-io/aggrelog/internal/event"
	"github.com/aggrelog-io/aggrelog/internal/queue"
	"github.com/aggrelog-io/aggrelog/internal/storage"
)

func testConfig() *Config {
	return &Config{
		Count:              2,
		DequeueTimeout:     20 * time.Millisecond,
		RetryBudget:        3,
		BaseBackoff:        time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
		HealthPollInterval: 5 * time.Millisecond,
	}
}

func poolTestEvent(id string) *event.Event {
	return &event.Event{
		Topic:     "demo-topic",
		EventID:   id,
		Timestamp: time.Date(2024, 12, 12, 10, 0, 0, 0, time.UTC),
		Source:    "demo",
		Payload:   json.RawMessage(`{"m":"hi"}`),
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestPool_DrainsQueueIntoStore(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	q := queue.NewMemoryQueue()
	store := storage.NewMemoryEventStore()

	defer func() { _ = q.Close() }()

	for i := 0; i < 5; i++ {
		if err := q.Enqueue(ctx, poolTestEvent(fmt.Sprintf("event-%03d", i))); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	// Redelivery of an already queued id.
	if err := q.Enqueue(ctx, poolTestEvent("event-000")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	pool := NewPool(testConfig(), q, store)
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	defer pool.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return pool.Stats().Processed == 6
	}, "pool should process all queued entries")

	stats := pool.Stats()
	if stats.Duplicates != 1 {
		t.Errorf("Stats().Duplicates = %d, want 1", stats.Duplicates)
	}

	counters, err := store.Counters(ctx)
	if err != nil {
		t.Fatalf("Counters() failed: %v", err)
	}

	if counters.UniqueProcessed != 5 || counters.DuplicateDropped != 1 {
		t.Errorf("store counters = %+v, want unique=5 duplicate=1", counters)
	}
}

func TestPool_DeadLettersAfterRetryBudget(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	q := queue.NewMemoryQueue()
	store := storage.NewMemoryEventStore()

	defer func() { _ = q.Close() }()

	store.SetFailure(errors.New("permanent failure"))

	if err := q.Enqueue(ctx, poolTestEvent("doomed-001")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	pool := NewPool(testConfig(), q, store)
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	defer pool.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return pool.Stats().DeadLettered == 1
	}, "pool should dead-letter after exhausting retries")

	if processed := pool.Stats().Processed; processed != 0 {
		t.Errorf("Stats().Processed = %d, want 0", processed)
	}
}

func TestPool_PausesOnConnectionLossUntilHealthy(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	q := queue.NewMemoryQueue()
	store := storage.NewMemoryEventStore()

	defer func() { _ = q.Close() }()

	// Connection-class failure gates the worker on health checks instead
	// of spending its retry budget.
	store.SetFailure(sql.ErrConnDone)

	if err := q.Enqueue(ctx, poolTestEvent("survivor-001")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	pool := NewPool(testConfig(), q, store)
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	defer pool.Stop()

	time.Sleep(50 * time.Millisecond)

	if stats := pool.Stats(); stats.DeadLettered != 0 {
		t.Fatalf("Stats().DeadLettered = %d while store down, want 0", stats.DeadLettered)
	}

	store.SetFailure(nil)

	waitFor(t, 2*time.Second, func() bool {
		return pool.Stats().Processed == 1
	}, "pool should apply the entry once the store heals")
}

// malformedOnceQueue yields one malformed-entry error, then behaves empty.
type malformedOnceQueue struct {
	mu     sync.Mutex
	served bool
}

func (q *malformedOnceQueue) Enqueue(context.Context, *event.Event) error { return nil }

func (q *malformedOnceQueue) Dequeue(ctx context.Context, timeout time.Duration) (*event.Event, error) {
	q.mu.Lock()
	served := q.served
	q.served = true
	q.mu.Unlock()

	if !served {
		return nil, fmt.Errorf("%w: corrupt payload", queue.ErrMalformedEntry)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}

func (q *malformedOnceQueue) Size(context.Context) (int64, error) { return 0, nil }
func (q *malformedOnceQueue) HealthCheck(context.Context) error   { return nil }
func (q *malformedOnceQueue) Close() error                        { return nil }
func (q *malformedOnceQueue) Kind() string                        { return "test" }

func TestPool_DiscardsMalformedEntries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	pool := NewPool(testConfig(), &malformedOnceQueue{}, storage.NewMemoryEventStore())
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	defer pool.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return pool.Stats().Malformed == 1
	}, "pool should count the discarded entry")
}

// slowApplyStore blocks inside ApplyEvent until released, honoring the call's
// context the way database/sql does. It signals once the first apply is
// entered.
type slowApplyStore struct {
	*storage.MemoryEventStore

	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newSlowApplyStore() *slowApplyStore {
	return &slowApplyStore{
		MemoryEventStore: storage.NewMemoryEventStore(),
		entered:          make(chan struct{}),
		release:          make(chan struct{}),
	}
}

func (s *slowApplyStore) ApplyEvent(ctx context.Context, e *event.Event) (event.Outcome, error) {
	s.once.Do(func() { close(s.entered) })

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.release:
	}

	return s.MemoryEventStore.ApplyEvent(ctx, e)
}

func TestPool_StopLetsInFlightApplyComplete(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q := queue.NewMemoryQueue()
	store := newSlowApplyStore()

	defer func() { _ = q.Close() }()

	if err := q.Enqueue(context.Background(), poolTestEvent("in-flight-001")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	cfg := testConfig()
	cfg.Count = 1

	pool := NewPool(cfg, q, store)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never entered ApplyEvent")
	}

	stopped := make(chan struct{})

	go func() {
		pool.Stop()
		close(stopped)
	}()

	// Give the shutdown signal time to reach the worker while the apply is
	// still blocked inside the store.
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after the apply was released")
	}

	stats := pool.Stats()
	if stats.Processed != 1 || stats.DeadLettered != 0 {
		t.Errorf("Stats() = %+v, want the in-flight entry processed, none dead-lettered", stats)
	}

	counters, err := store.Counters(context.Background())
	if err != nil {
		t.Fatalf("Counters() failed: %v", err)
	}

	if counters.UniqueProcessed != 1 {
		t.Errorf("store UniqueProcessed = %d, want 1: in-flight apply was aborted by shutdown", counters.UniqueProcessed)
	}
}

func TestPool_StartStopLifecycle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q := queue.NewMemoryQueue()

	defer func() { _ = q.Close() }()

	pool := NewPool(testConfig(), q, storage.NewMemoryEventStore())

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if err := pool.Start(context.Background()); !errors.Is(err, ErrPoolAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrPoolAlreadyStarted", err)
	}

	done := make(chan struct{})

	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return, workers failed to exit")
	}

	// Stop on a stopped pool is a no-op.
	pool.Stop()
}
