package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aggrelog-io/aggrelog/internal/api/middleware"
	"github.com/aggrelog-io/aggrelog/internal/event"
	"github.com/aggrelog-io/aggrelog/internal/storage"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// handleGetEvents handles stored event queries.
// GET /events?topic=string&limit=int&offset=int - Query stored events of a topic
//
// Events are returned newest first (by producer timestamp, insert sequence as
// tie-breaker). limit defaults to 100 and is capped at 1000; a negative or
// oversize limit is rejected with 422, limit=0 returns an empty array. offset
// defaults to 0 and pages past the newest entries; a negative offset is
// rejected with 422 and one past the end returns an empty array.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	topic := r.URL.Query().Get("topic")
	if topic == "" {
		WriteErrorResponse(w, r, s.logger, UnprocessableEntity("topic query parameter is required"))

		return
	}

	limit, problem := parseLimitParam(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	offset, problem := parseOffsetParam(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	events, err := s.store.EventsByTopic(r.Context(), topic, limit, offset)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidLimit) || errors.Is(err, storage.ErrInvalidOffset) {
			WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))

			return
		}

		s.logger.Error("Failed to query events",
			slog.String("correlation_id", correlationID),
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)

		s.writeStoreError(w, r, err)

		return
	}

	response := make([]StoredEventResponse, len(events))
	for i := range events {
		response[i] = mapStoredEvent(&events[i])
	}

	s.sendJSON(w, r, response)
}

// handleDeleteEvents handles stored event deletion.
// DELETE /events?topic=string - Delete stored events of a topic (all topics
// when the parameter is absent). Counters are untouched; this is a test and
// demo aid, not part of the processing pipeline.
func (s *Server) handleDeleteEvents(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	topic := r.URL.Query().Get("topic")

	deleted, err := s.store.DeleteTopic(r.Context(), topic)
	if err != nil {
		s.logger.Error("Failed to delete events",
			slog.String("correlation_id", correlationID),
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)

		s.writeStoreError(w, r, err)

		return
	}

	s.logger.Info("Deleted stored events",
		slog.String("correlation_id", correlationID),
		slog.String("topic", topic),
		slog.Int64("deleted", deleted),
	)

	s.sendJSON(w, r, DeleteEventsResponse{Topic: topic, Deleted: deleted})
}

// parseLimitParam parses the limit query parameter with default and cap.
func parseLimitParam(r *http.Request) (int, *ProblemDetail) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultQueryLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, UnprocessableEntity(fmt.Sprintf("Invalid limit parameter %q: must be an integer", raw))
	}

	if limit < 0 {
		return 0, UnprocessableEntity(fmt.Sprintf("Invalid limit %d: cannot be negative", limit))
	}

	if limit > maxQueryLimit {
		return 0, UnprocessableEntity(fmt.Sprintf("Invalid limit %d: cannot exceed %d", limit, maxQueryLimit))
	}

	return limit, nil
}

// parseOffsetParam parses the offset query parameter. Absent means 0.
func parseOffsetParam(r *http.Request) (int, *ProblemDetail) {
	raw := r.URL.Query().Get("offset")
	if raw == "" {
		return 0, nil
	}

	offset, err := strconv.Atoi(raw)
	if err != nil {
		return 0, UnprocessableEntity(fmt.Sprintf("Invalid offset parameter %q: must be an integer", raw))
	}

	if offset < 0 {
		return 0, UnprocessableEntity(fmt.Sprintf("Invalid offset %d: cannot be negative", offset))
	}

	return offset, nil
}

// mapStoredEvent maps a domain StoredEvent to its API representation.
// Timestamps are rendered as RFC 3339 with the offset they were stored with.
func mapStoredEvent(e *event.StoredEvent) StoredEventResponse {
	return StoredEventResponse{
		ID:          e.ID,
		Topic:       e.Topic,
		EventID:     e.EventID,
		Timestamp:   e.Timestamp.Format(time.RFC3339Nano),
		Source:      e.Source,
		Payload:     e.Payload,
		ProcessedAt: e.ProcessedAt.Format(time.RFC3339Nano),
	}
}
