package api

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func publishBody(events ...string) []byte {
	return []byte(fmt.Sprintf(`{"events":[%s]}`, joinEvents(events)))
}

func joinEvents(events []string) string {
	out := ""
	for i, e := range events {
		if i > 0 {
			out += ","
		}

		out += e
	}

	return out
}

func eventJSON(topic, id string) string {
	return fmt.Sprintf(
		`{"topic":%q,"event_id":%q,"timestamp":"2024-12-12T10:00:00Z","source":"demo","payload":{"m":"hi"}}`,
		topic, id,
	)
}

func TestPublishQueuedMode(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server, store, q := newTestServer(t)

	rec := doRequest(server, http.MethodPost, "/publish", "application/json",
		publishBody(eventJSON("demo-topic", "event-001")))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var response QueuedPublishResponse
	decodeJSON(t, rec, &response)

	if response.Accepted != 1 || response.Queued != 1 {
		t.Errorf("expected accepted=1 queued=1, got %+v", response)
	}

	// Received is counted at ingestion; dedup happens asynchronously
	counters, err := store.Counters(context.Background())
	if err != nil {
		t.Fatalf("failed to read counters: %v", err)
	}

	if counters.Received != 1 || counters.UniqueProcessed != 0 {
		t.Errorf("expected received=1 unique=0 before workers run, got %+v", counters)
	}

	size, err := q.Size(context.Background())
	if err != nil {
		t.Fatalf("failed to read queue size: %v", err)
	}

	if size != 1 {
		t.Errorf("expected 1 queued entry, got %d", size)
	}
}

func TestPublishAtomicMixedBatch(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server, store, q := newTestServer(t)

	rec := doRequest(server, http.MethodPost, "/publish?atomic=true", "application/json",
		publishBody(
			eventJSON("batch-topic", "batch-001"),
			eventJSON("batch-topic", "batch-002"),
			eventJSON("batch-topic", "batch-003"),
			eventJSON("batch-topic", "batch-001"),
		))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var response AtomicPublishResponse
	decodeJSON(t, rec, &response)

	if response.Accepted != 4 || response.Inserted != 3 || response.Duplicate != 1 {
		t.Errorf("expected accepted=4 inserted=3 duplicate=1, got %+v", response)
	}

	counters, err := store.Counters(context.Background())
	if err != nil {
		t.Fatalf("failed to read counters: %v", err)
	}

	if counters.Received != 4 || counters.UniqueProcessed != 3 || counters.DuplicateDropped != 1 {
		t.Errorf("unexpected counters after atomic batch: %+v", counters)
	}

	// Atomic mode never touches the queue
	size, _ := q.Size(context.Background())
	if size != 0 {
		t.Errorf("expected empty queue in atomic mode, got %d entries", size)
	}
}

func TestPublishAtomicTriplicate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server, store, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		rec := doRequest(server, http.MethodPost, "/publish?atomic=true", "application/json",
			publishBody(eventJSON("demo-topic", "duplicate-test-001")))
		if rec.Code != http.StatusOK {
			t.Fatalf("submission %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	counters, err := store.Counters(context.Background())
	if err != nil {
		t.Fatalf("failed to read counters: %v", err)
	}

	if counters.Received != 3 || counters.UniqueProcessed != 1 || counters.DuplicateDropped != 2 {
		t.Errorf("expected received=3 unique=1 duplicate=2, got %+v", counters)
	}
}

func TestPublishValidationFailures(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name       string
		target     string
		body       string
		wantStatus int
	}{
		{
			name:       "empty batch",
			target:     "/publish",
			body:       `{"events":[]}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "missing topic",
			target:     "/publish",
			body:       `{"events":[{"event_id":"e1","timestamp":"2024-12-12T10:00:00Z","source":"demo"}]}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "empty source",
			target:     "/publish",
			body:       `{"events":[{"topic":"t","event_id":"e1","timestamp":"2024-12-12T10:00:00Z","source":""}]}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "unparseable timestamp",
			target:     "/publish",
			body:       `{"events":[{"topic":"t","event_id":"e1","timestamp":"yesterday","source":"demo"}]}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "invalid atomic parameter",
			target:     "/publish?atomic=maybe",
			body:       `{"events":[{"topic":"t","event_id":"e1","timestamp":"2024-12-12T10:00:00Z","source":"demo"}]}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "invalid JSON",
			target:     "/publish",
			body:       `{"events":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, store, q := newTestServer(t)

			rec := doRequest(server, http.MethodPost, tt.target, "application/json", []byte(tt.body))

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}

			// Validation failures never mutate state
			counters, err := store.Counters(context.Background())
			if err != nil {
				t.Fatalf("failed to read counters: %v", err)
			}

			if counters.Received != 0 || counters.UniqueProcessed != 0 || counters.DuplicateDropped != 0 {
				t.Errorf("expected untouched counters, got %+v", counters)
			}

			size, _ := q.Size(context.Background())
			if size != 0 {
				t.Errorf("expected empty queue, got %d entries", size)
			}
		})
	}
}

func TestPublishWholeBatchRejectedOnSingleInvalidEvent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server, store, _ := newTestServer(t)

	body := publishBody(
		eventJSON("batch-topic", "ok-001"),
		`{"topic":"batch-topic","event_id":"","timestamp":"2024-12-12T10:00:00Z","source":"demo"}`,
	)

	rec := doRequest(server, http.MethodPost, "/publish?atomic=true", "application/json", body)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}

	counters, err := store.Counters(context.Background())
	if err != nil {
		t.Fatalf("failed to read counters: %v", err)
	}

	if counters.Received != 0 || counters.UniqueProcessed != 0 {
		t.Errorf("expected no state change for rejected batch, got %+v", counters)
	}
}

func TestPublishContentTypeAndBodyGuards(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server, _, _ := newTestServer(t)

	t.Run("missing content type", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/publish", "text/plain",
			publishBody(eventJSON("t", "e1")))
		if rec.Code != http.StatusUnsupportedMediaType {
			t.Errorf("expected 415, got %d", rec.Code)
		}
	})

	t.Run("empty body", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/publish", "application/json", []byte{})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("oversized body", func(t *testing.T) {
		server.config.MaxRequestSize = 16

		defer func() { server.config.MaxRequestSize = defaultMaxRequestSize }()

		rec := doRequest(server, http.MethodPost, "/publish", "application/json",
			publishBody(eventJSON("t", "e1")))
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("expected 413, got %d", rec.Code)
		}
	})
}

func TestPublishAtomicStoreFailures(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("connection loss surfaces as 503", func(t *testing.T) {
		server, store, _ := newTestServer(t)
		store.SetFailure(sql.ErrConnDone)

		rec := doRequest(server, http.MethodPost, "/publish?atomic=true", "application/json",
			publishBody(eventJSON("t", "e1")))

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", rec.Code)
		}
	})

	t.Run("unexpected failure surfaces as 500", func(t *testing.T) {
		server, store, _ := newTestServer(t)
		store.SetFailure(errors.New("schema missing"))

		rec := doRequest(server, http.MethodPost, "/publish?atomic=true", "application/json",
			publishBody(eventJSON("t", "e1")))

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rec.Code)
		}
	})
}

func TestPublishQueuedBacklogLimit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server, store, q := newTestServer(t)
	server.config.MaxQueueDepth = 2

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rec := doRequest(server, http.MethodPost, "/publish", "application/json",
		publishBody(eventJSON("t", "e1"), eventJSON("t", "e2")))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first batch to fit, got %d", rec.Code)
	}

	rec = doRequest(server, http.MethodPost, "/publish", "application/json",
		publishBody(eventJSON("t", "e3")))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when backlog is full, got %d", rec.Code)
	}

	// The rejected batch must not have been counted as received
	counters, err := store.Counters(ctx)
	if err != nil {
		t.Fatalf("failed to read counters: %v", err)
	}

	if counters.Received != 2 {
		t.Errorf("expected received=2, got %+v", counters)
	}

	size, _ := q.Size(ctx)
	if size != 2 {
		t.Errorf("expected backlog of 2, got %d", size)
	}
}

func TestPublishQueuedSurvivesClientDisconnect(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server, store, q := newTestServer(t)

	body := publishBody(eventJSON("demo-topic", "event-001"), eventJSON("demo-topic", "event-002"))

	req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	// A request context canceled mid-handler models the client hanging up.
	// The increment and enqueue phase must still run to completion so the
	// received counter never gets ahead of events that reach the queue.
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 despite canceled request context, got %d: %s", rec.Code, rec.Body.String())
	}

	counters, err := store.Counters(context.Background())
	if err != nil {
		t.Fatalf("failed to read counters: %v", err)
	}

	if counters.Received != 2 {
		t.Errorf("expected received=2, got %+v", counters)
	}

	size, err := q.Size(context.Background())
	if err != nil {
		t.Fatalf("failed to read queue size: %v", err)
	}

	if size != 2 {
		t.Errorf("expected whole batch queued, got %d", size)
	}
}
