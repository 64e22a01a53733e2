package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aggrelog-io/aggrelog/internal/event"
)

func testEvent(id string) *event.Event {
	return &event.Event{
		Topic:     "demo-topic",
		EventID:   id,
		Timestamp: time.Date(2024, 12, 12, 10, 0, 0, 0, time.UTC),
		Source:    "demo",
		Payload:   json.RawMessage(`{"m":"hi"}`),
	}
}

func TestMemoryQueue_FIFO(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	q := NewMemoryQueue()

	defer func() { _ = q.Close() }()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, testEvent(fmt.Sprintf("event-%03d", i))); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	size, err := q.Size(ctx)
	if err != nil {
		t.Fatalf("Size() failed: %v", err)
	}

	if size != 3 {
		t.Errorf("Size() = %d, want 3", size)
	}

	for i := 0; i < 3; i++ {
		e, err := q.Dequeue(ctx, time.Second)
		if err != nil {
			t.Fatalf("Dequeue() failed: %v", err)
		}

		if e == nil {
			t.Fatal("Dequeue() returned timeout marker with entries queued")
		}

		want := fmt.Sprintf("event-%03d", i)
		if e.EventID != want {
			t.Errorf("Dequeue() order broken: got %s, want %s", e.EventID, want)
		}
	}
}

func TestMemoryQueue_DequeueTimeout(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q := NewMemoryQueue()

	defer func() { _ = q.Close() }()

	start := time.Now()

	e, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue() failed: %v", err)
	}

	if e != nil {
		t.Errorf("Dequeue() on empty queue = %+v, want timeout marker", e)
	}

	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Dequeue() returned after %v, expected to block for the timeout", elapsed)
	}
}

func TestMemoryQueue_EntryRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	q := NewMemoryQueue()

	defer func() { _ = q.Close() }()

	original := testEvent("round-trip-001")
	original.Timestamp = time.Date(2024, 12, 12, 10, 0, 0, 123456789, time.FixedZone("CET", 3600))

	if err := q.Enqueue(ctx, original); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	got, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Dequeue() failed: %v", err)
	}

	if got.Topic != original.Topic || got.EventID != original.EventID || got.Source != original.Source {
		t.Errorf("Dequeue() = %+v, want fields of %+v", got, original)
	}

	if !got.Timestamp.Equal(original.Timestamp) {
		t.Errorf("Dequeue() timestamp = %v, want %v", got.Timestamp, original.Timestamp)
	}

	if string(got.Payload) != string(original.Payload) {
		t.Errorf("Dequeue() payload = %s, want %s", got.Payload, original.Payload)
	}
}

func TestMemoryQueue_CompetingConsumers(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	q := NewMemoryQueue()

	defer func() { _ = q.Close() }()

	const total = 100

	for i := 0; i < total; i++ {
		if err := q.Enqueue(ctx, testEvent(fmt.Sprintf("event-%03d", i))); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)

	for n := 0; n < 4; n++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				e, err := q.Dequeue(ctx, 50*time.Millisecond)
				if err != nil || e == nil {
					return
				}

				mu.Lock()
				seen[e.EventID]++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if len(seen) != total {
		t.Errorf("consumers saw %d distinct entries, want %d", len(seen), total)
	}

	for id, count := range seen {
		if count != 1 {
			t.Errorf("entry %s delivered %d times, want exactly once", id, count)
		}
	}
}

func TestMemoryQueue_Closed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	q := NewMemoryQueue()

	if err := q.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if err := q.Enqueue(ctx, testEvent("after-close")); err == nil {
		t.Error("Enqueue() after Close() should fail")
	}

	if err := q.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() after Close() should fail")
	}
}

func TestDecodeEntry_Malformed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		data string
	}{
		{"not json", "not-json"},
		{"bad timestamp", `{"topic":"t","event_id":"e","timestamp":"yesterday","source":"s"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeEntry([]byte(tt.data)); err == nil {
				t.Errorf("decodeEntry(%q) should fail", tt.data)
			}
		})
	}
}
