package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aggrelog-io/aggrelog/internal/api/middleware"
)

// handleStats handles aggregate statistics queries.
// GET /stats - Counter snapshot, dedup rate, topic list and uptime
//
// All figures derive from the store at request time; nothing is cached in the
// process, so restarts never skew the numbers.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	counters, err := s.store.Counters(r.Context())
	if err != nil {
		s.logger.Error("Failed to read counters",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		s.writeStoreError(w, r, err)

		return
	}

	topics, err := s.store.Topics(r.Context())
	if err != nil {
		s.logger.Error("Failed to list topics",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		s.writeStoreError(w, r, err)

		return
	}

	if topics == nil {
		topics = []string{}
	}

	response := StatsResponse{
		Received:         counters.Received,
		UniqueProcessed:  counters.UniqueProcessed,
		DuplicateDropped: counters.DuplicateDropped,
		DedupRatePercent: counters.DedupRatePercent(),
		Topics:           topics,
	}

	if !s.startTime.IsZero() {
		response.UptimeSeconds = time.Since(s.startTime).Seconds()
	}

	s.sendJSON(w, r, response)
}

// handleQueueStats handles queue and worker pool snapshots.
// GET /queue/stats - Queue backend, depth, worker count and worker counters
//
// The depth is a best-effort snapshot; with active workers it can change
// before the response reaches the client.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	size, err := s.queue.Size(r.Context())
	if err != nil {
		s.logger.Error("Failed to read queue size",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		problem := ServiceUnavailable("Event queue unavailable")
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	response := QueueStatsResponse{
		QueueType: s.queue.Kind(),
		QueueSize: size,
	}

	if s.pool != nil {
		stats := s.pool.Stats()
		response.WorkersEnabled = true
		response.WorkerCount = s.pool.Count()
		response.Processed = stats.Processed
		response.Duplicates = stats.Duplicates
		response.DeadLettered = stats.DeadLettered
		response.Malformed = stats.Malformed
	}

	s.sendJSON(w, r, response)
}

// handleResetMetrics handles the operational counter reset.
// POST /metrics/reset - Zero all counters, leaving stored events intact
//
// After a reset the processed counters disagree with the stored row count
// until the rows are also cleared; the endpoint exists for demos and load
// tests, not for production reconciliation.
func (s *Server) handleResetMetrics(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if err := s.store.ResetCounters(r.Context()); err != nil {
		s.logger.Error("Failed to reset counters",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		s.writeStoreError(w, r, err)

		return
	}

	s.logger.Info("Counters reset",
		slog.String("correlation_id", correlationID),
	)

	s.sendJSON(w, r, ResetResponse{Status: "reset"})
}
