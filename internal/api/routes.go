// Package api provides HTTP API server implementation for the aggrelog service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aggrelog-io/aggrelog/internal/api/middleware"
)

const (
	healthCheckTimeout = 2 * time.Second
	expectedURLParts   = 2
)

// setupRoutes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public health endpoints
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},     // K8s liveness probe
		Route{"GET /health", s.handleHealth}, // Dependency health - status, database, queue, uptime
		Route{"/", s.handleNotFound},         // Catch-all handler for 404 responses
	)

	// Ingestion endpoint
	mux.HandleFunc("POST /publish", s.handlePublishEvents)

	// Query endpoints
	mux.HandleFunc("GET /events", s.handleGetEvents)
	mux.HandleFunc("DELETE /events", s.handleDeleteEvents)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /queue/stats", s.handleQueueStats)

	// Operational endpoint
	mux.HandleFunc("POST /metrics/reset", s.handleResetMetrics)
}

// registerPublicRoutes registers HTTP routes that bypass rate limiting.
// This is a convenience method that:
//  1. Registers the route handler with the HTTP mux
//  2. Automatically registers the path as a public endpoint (bypasses rate limit middleware)
//
// Public routes should only be used for health check endpoints that need to be
// pollable at arbitrary frequency (e.g., K8s liveness/readiness probes, monitoring tools).
//
// Example:
//
//	s.registerPublicRoutes(
//	    mux,
//	    Route{"GET /ping", s.handlePing},
//	    Route{"GET /health", s.handleHealth},
//	)
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// Strip method prefix for public endpoint bypass registration
		// Go 1.22+ method-based routing uses "GET /path" format
		// But r.URL.Path is just "/path" (no method prefix)
		path := route.Path

		parts := strings.Fields(path)
		// If the route path contains a method prefix (e.g., "GET /ping"), extract the path part.
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		// Skip registering an empty path as a public
		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", path))

			continue
		}

		// Always register (handles both "GET /ping" and "/" formats)
		middleware.RegisterPublicEndpoint(path)
	}
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	_, err := w.Write([]byte("pong"))
	if err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleHealth reports dependency health for operators and readiness probes.
//
// Response codes:
//   - 200 OK: Database and queue are both reachable ("healthy")
//   - 503 Service Unavailable: At least one dependency failed its check ("degraded")
//
// A degraded response still carries the full JSON body so operators can see
// which dependency is down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	// Bound each dependency check so a hung backend cannot stall the probe
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	health := HealthStatus{
		Status:   "healthy",
		Database: "up",
		Queue:    "up",
	}

	if !s.startTime.IsZero() {
		health.UptimeSeconds = time.Since(s.startTime).Seconds()
	}

	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.Error("Database health check failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		health.Status = "degraded"
		health.Database = "down"
	}

	if err := s.queue.HealthCheck(ctx); err != nil {
		s.logger.Error("Queue health check failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		health.Status = "degraded"
		health.Queue = "down"
	}

	statusCode := http.StatusOK
	if health.Status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}

	data, err := json.Marshal(health)
	if err != nil {
		s.logger.Error("Failed to encode health response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode health response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write health response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// hasJSONContentType checks if Content-Type header starts with "application/json".
// This allows charset parameters (e.g., "application/json; charset=utf-8").
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}
