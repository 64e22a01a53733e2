package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aggrelog-io/aggrelog/internal/api/middleware"
	"github.com/aggrelog-io/aggrelog/internal/event"
	"github.com/aggrelog-io/aggrelog/internal/storage"
)

// handlePublishEvents handles event submission.
// POST /publish?atomic=true|false - Submit a batch of events (atomic defaults to false)
//
// Request validation (returns 4xx):
//   - 405 Method Not Allowed: Only POST is allowed (handled by route pattern)
//   - 415 Unsupported Media Type: Content-Type must be application/json
//   - 413 Payload Too Large: Request body exceeds MaxRequestSize
//   - 400 Bad Request: Empty body or invalid JSON
//   - 422 Unprocessable Entity: Empty batch, missing required field, empty
//     string, or unparseable timestamp. Any invalid event rejects the whole
//     batch; no state is mutated.
//
// Success responses (200 OK):
//   - Queued mode: {accepted, queued} - events were durably queued, dedup is asynchronous
//   - Atomic mode: {accepted, inserted, duplicate} - batch applied synchronously
//
// Failure responses (5xx):
//   - 503 Service Unavailable: Queue or store unreachable, or queue backlog full
//   - 500 Internal Server Error: Unexpected storage failure
func (s *Server) handlePublishEvents(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	// Content-Type validation
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	atomic, problem := parseAtomicParam(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	// Parse request body
	apiEvents, problem := s.parsePublishRequest(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	// Map to domain events and validate; any failure rejects the whole batch
	events, problem := s.mapAndValidateEvents(apiEvents)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	var (
		statusCode int
		mode       string
	)

	if atomic {
		mode = "atomic"
		statusCode = s.publishAtomic(w, r, events)
	} else {
		mode = "queued"
		statusCode = s.publishQueued(w, r, events)
	}

	duration := time.Since(startTime)
	s.logger.Info("Publish request processed",
		slog.String("correlation_id", correlationID),
		slog.String("mode", mode),
		slog.Int("accepted", len(events)),
		slog.Int("status_code", statusCode),
		slog.Duration("duration", duration),
	)
}

// parseAtomicParam parses the atomic query parameter. Absent means queued mode.
func parseAtomicParam(r *http.Request) (bool, *ProblemDetail) {
	raw := r.URL.Query().Get("atomic")
	if raw == "" {
		return false, nil
	}

	atomic, err := strconv.ParseBool(raw)
	if err != nil {
		return false, UnprocessableEntity(fmt.Sprintf("Invalid atomic parameter %q: must be true or false", raw))
	}

	return atomic, nil
}

// parsePublishRequest parses and validates the HTTP request body.
// Returns the raw API events or a ProblemDetail if parsing fails.
//
// Validates:
//   - Request size (optimization for known oversized requests)
//   - Empty body check (better UX than JSON decode error)
//   - JSON parsing
//   - Empty batch check
func (s *Server) parsePublishRequest(r *http.Request) ([]PublishEvent, *ProblemDetail) {
	// Request size check (optimization: fail fast for known oversized requests)
	// Allow unknown sizes (-1) or 0 (empty, caught later)
	if r.ContentLength > 0 && r.ContentLength > s.config.MaxRequestSize {
		return nil, PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
		)
	}

	// Empty body check (better UX: specific error message)
	if r.ContentLength == 0 {
		return nil, BadRequest("Request body cannot be empty")
	}

	var request PublishRequest

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&request); err != nil {
		return nil, BadRequest("Invalid JSON: " + err.Error())
	}

	// An empty batch is a validation failure: there is nothing to accept
	if len(request.Events) == 0 {
		return nil, UnprocessableEntity("Event batch cannot be empty")
	}

	return request.Events, nil
}

// mapAndValidateEvents maps API events to domain events and validates them.
//
// Timestamps are parsed here (RFC 3339 with offset) so a bad value surfaces as
// a 422 naming the offending event, and the domain validator then checks the
// remaining required fields. Validation is total: either every event passes
// and flows inward, or the whole batch is rejected with zero state mutation.
func (s *Server) mapAndValidateEvents(apiEvents []PublishEvent) ([]*event.Event, *ProblemDetail) {
	events := make([]*event.Event, len(apiEvents))

	for i := range apiEvents {
		e, err := mapPublishEvent(&apiEvents[i])
		if err != nil {
			return nil, UnprocessableEntity(fmt.Sprintf("event %d: %v", i, err))
		}

		events[i] = e
	}

	if err := s.validator.ValidateBatch(events); err != nil {
		return nil, UnprocessableEntity(err.Error())
	}

	return events, nil
}

// mapPublishEvent maps an API request type to the domain model.
// Trims whitespace on identifier fields and parses the timestamp.
func mapPublishEvent(req *PublishEvent) (*event.Event, error) {
	var (
		ts  time.Time
		err error
	)

	if strings.TrimSpace(req.Timestamp) != "" {
		ts, err = time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q: must be ISO-8601 with offset", req.Timestamp)
		}
	}

	return &event.Event{
		Topic:     strings.TrimSpace(req.Topic),
		EventID:   strings.TrimSpace(req.EventID),
		Timestamp: ts,
		Source:    strings.TrimSpace(req.Source),
		Payload:   req.Payload,
	}, nil
}

// publishAtomic applies the batch synchronously in a single store transaction.
// Returns the HTTP status code for logging purposes.
//
// The store folds the received increment into the same transaction as the
// inserts and outcome counters, so a failed batch leaves no trace.
func (s *Server) publishAtomic(w http.ResponseWriter, r *http.Request, events []*event.Event) int {
	correlationID := middleware.GetCorrelationID(r.Context())

	result, err := s.store.ApplyBatch(r.Context(), events)
	if err != nil {
		s.logger.Error("Failed to apply batch",
			slog.String("correlation_id", correlationID),
			slog.Int("batch_size", len(events)),
			slog.String("error", err.Error()),
		)

		return s.writeStoreError(w, r, err)
	}

	response := AtomicPublishResponse{
		Accepted:  len(events),
		Inserted:  result.Inserted,
		Duplicate: result.Duplicate,
	}

	return s.sendJSON(w, r, response)
}

// publishQueued records the batch as received and enqueues every event.
// Returns the HTTP status code for logging purposes.
//
// The received counter is incremented before enqueueing so it never lags
// behind the processing counters. The increment and the enqueue loop run on a
// context detached from the request, so a client disconnect mid-batch cannot
// strand the received counter ahead of events that never reach the queue. A
// queue failure mid-batch surfaces as 503 with no partial-success body; the
// client retries the whole batch and idempotency absorbs the replayed events.
func (s *Server) publishQueued(w http.ResponseWriter, r *http.Request, events []*event.Event) int {
	correlationID := middleware.GetCorrelationID(r.Context())
	ctx := context.WithoutCancel(r.Context())

	if problem := s.checkQueueDepth(ctx, len(events)); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return problem.Status
	}

	if err := s.store.IncrementReceived(ctx, len(events)); err != nil {
		s.logger.Error("Failed to increment received counter",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		return s.writeStoreError(w, r, err)
	}

	for i, e := range events {
		if err := s.queue.Enqueue(ctx, e); err != nil {
			s.logger.Error("Failed to enqueue event",
				slog.String("correlation_id", correlationID),
				slog.String("event_key", e.Key()),
				slog.Int("enqueued", i),
				slog.Int("batch_size", len(events)),
				slog.String("error", err.Error()),
			)

			problem := ServiceUnavailable("Event queue unavailable, retry the batch")
			WriteErrorResponse(w, r, s.logger, problem)

			return problem.Status
		}
	}

	response := QueuedPublishResponse{
		Accepted: len(events),
		Queued:   len(events),
	}

	return s.sendJSON(w, r, response)
}

// checkQueueDepth enforces the optional backlog limit for queued publishes.
// Returns nil when the batch fits or the limit is disabled.
func (s *Server) checkQueueDepth(ctx context.Context, batchSize int) *ProblemDetail {
	if s.config.MaxQueueDepth <= 0 {
		return nil
	}

	size, err := s.queue.Size(ctx)
	if err != nil {
		return ServiceUnavailable("Event queue unavailable, retry the batch")
	}

	if size+int64(batchSize) > s.config.MaxQueueDepth {
		return ServiceUnavailable(
			fmt.Sprintf("Queue backlog full (%d of %d), retry later", size, s.config.MaxQueueDepth),
		)
	}

	return nil
}

// writeStoreError maps a storage failure onto the 5xx taxonomy and writes the
// response. Connection-class failures are retriable and surface as 503, the
// rest as 500. Returns the status code for logging purposes.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) int {
	var problem *ProblemDetail

	if storage.IsConnectionError(err) || storage.IsTransientError(err) {
		problem = ServiceUnavailable("Event store unavailable, retry the batch")
	} else {
		problem = InternalServerError("Failed to persist events")
	}

	WriteErrorResponse(w, r, s.logger, problem)

	return problem.Status
}

// sendJSON marshals and sends a success response to the client.
// Returns the HTTP status code for logging purposes.
func (s *Server) sendJSON(w http.ResponseWriter, r *http.Request, response any) int {
	// Marshal response (fail fast before headers)
	data, err := json.Marshal(response)
	if err != nil {
		correlationID := middleware.GetCorrelationID(r.Context())
		s.logger.Error("Failed to marshal response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		correlationID := middleware.GetCorrelationID(r.Context())
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}

	return http.StatusOK
}
