// Package api provides HTTP API server implementation for the aggrelog service.
package api

import (
	"encoding/json"
	"net/http"
)

type (
	// PublishEvent model represents an event in the payload of a publish request.
	// This is separate from the domain model (event.Event) to decouple the API
	// contract from internal domain types.
	//
	// Timestamp travels as a string and is parsed explicitly so that an
	// unparseable value can be rejected with 422 instead of failing the whole
	// JSON decode with 400.
	PublishEvent struct {
		Topic     string          `json:"topic"`
		EventID   string          `json:"event_id"` //nolint: tagliatelle
		Timestamp string          `json:"timestamp"`
		Source    string          `json:"source"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}

	// PublishRequest represents the request body of POST /publish.
	PublishRequest struct {
		Events []PublishEvent `json:"events"`
	}

	// QueuedPublishResponse is returned by queued-mode publishes. Accepted
	// events were durably queued; deduplication happens asynchronously.
	QueuedPublishResponse struct {
		Accepted int `json:"accepted"`
		Queued   int `json:"queued"`
	}

	// AtomicPublishResponse is returned by atomic-mode publishes. The batch was
	// applied synchronously, so the dedup outcome is known: Inserted + Duplicate
	// always equals Accepted.
	AtomicPublishResponse struct {
		Accepted  int `json:"accepted"`
		Inserted  int `json:"inserted"`
		Duplicate int `json:"duplicate"`
	}

	// StoredEventResponse represents a persisted event in query responses.
	StoredEventResponse struct {
		ID          int64           `json:"id"`
		Topic       string          `json:"topic"`
		EventID     string          `json:"event_id"` //nolint: tagliatelle
		Timestamp   string          `json:"timestamp"`
		Source      string          `json:"source"`
		Payload     json.RawMessage `json:"payload,omitempty"`
		ProcessedAt string          `json:"processed_at"` //nolint: tagliatelle
	}

	// DeleteEventsResponse reports the outcome of DELETE /events.
	DeleteEventsResponse struct {
		Topic   string `json:"topic,omitempty"`
		Deleted int64  `json:"deleted"`
	}

	// StatsResponse represents the aggregate statistics of GET /stats.
	// DedupRatePercent is derived from the counters at response time, never
	// cached independently of them.
	StatsResponse struct {
		Received         int64    `json:"received"`
		UniqueProcessed  int64    `json:"unique_processed"`   //nolint: tagliatelle
		DuplicateDropped int64    `json:"duplicate_dropped"`  //nolint: tagliatelle
		DedupRatePercent float64  `json:"dedup_rate_percent"` //nolint: tagliatelle
		Topics           []string `json:"topics"`
		UptimeSeconds    float64  `json:"uptime_seconds"` //nolint: tagliatelle
	}

	// QueueStatsResponse represents the queue and worker snapshot of GET /queue/stats.
	QueueStatsResponse struct {
		QueueType      string `json:"queue_type"`      //nolint: tagliatelle
		QueueSize      int64  `json:"queue_size"`      //nolint: tagliatelle
		WorkersEnabled bool   `json:"workers_enabled"` //nolint: tagliatelle
		WorkerCount    int    `json:"worker_count"`    //nolint: tagliatelle
		Processed      int64  `json:"processed"`
		Duplicates     int64  `json:"duplicates"`
		DeadLettered   int64  `json:"dead_lettered"` //nolint: tagliatelle
		Malformed      int64  `json:"malformed"`
	}

	// HealthStatus represents the health check response structure.
	// Status is "healthy" when every dependency check passes, "degraded"
	// otherwise; the per-dependency fields carry "up" or "down".
	HealthStatus struct {
		Status        string  `json:"status"`
		Database      string  `json:"database"`
		Queue         string  `json:"queue"`
		UptimeSeconds float64 `json:"uptime_seconds"` //nolint: tagliatelle
	}

	// ResetResponse acknowledges POST /metrics/reset.
	ResetResponse struct {
		Status string `json:"status"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string           // The URL path for this route (e.g., "GET /ping", "/")
		Handler http.HandlerFunc // The HTTP handler function for this route
	}
)
