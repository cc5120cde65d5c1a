package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/api/middleware"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/engine"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/event"
)

// handleIngestEvents handles funnel event ingestion.
// POST /api/v1/events - Ingest single or batch funnel events
//
// Request validation (returns 4xx):
//   - 405 Method Not Allowed: Only POST is allowed (handled by route pattern)
//   - 415 Unsupported Media Type: Content-Type must be application/json
//   - 413 Payload Too Large: Request body exceeds MaxRequestSize
//   - 400 Bad Request: Empty body, invalid JSON, or empty event array
//   - 503 Service Unavailable: Engine is shutting down
//
// Success responses:
//   - 200 OK: All events accepted
//   - 207 Multi-Status: Partial success (some accepted, some rejected)
//   - 422 Unprocessable Entity: All events rejected
//
// Per-event validation failures never fail the batch: each rejected event is
// reported with its index and reason while the rest proceed.
func (s *Server) handleIngestEvents(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	// Content-Type validation
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	// Parse and validate request
	events, problem := s.parseIngestRequest(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	// Offer each event to the engine; validation rejections are per-event
	response, problem := s.offerEvents(correlationID, events)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	// Send response (returns status code for logging)
	statusCode := s.sendIngestResponse(w, r, response)

	s.logger.Info("Funnel events processed",
		slog.String("correlation_id", response.CorrelationID),
		slog.String("status", response.Status),
		slog.Int("received", response.Summary.Received),
		slog.Int("accepted", response.Summary.Accepted),
		slog.Int("rejected", response.Summary.Rejected),
		slog.Int("status_code", statusCode),
		slog.Duration("duration", time.Since(startTime)),
	)
}

// parseIngestRequest parses and validates the HTTP request body.
// Decodes API request types and maps them to domain models.
// Returns parsed events or a ProblemDetail if parsing fails.
//
// Validates:
//   - Request size (optimization for known oversized requests)
//   - Empty body check (better UX than JSON decode error)
//   - JSON parsing
//   - Empty array check
func (s *Server) parseIngestRequest(r *http.Request) ([]*event.Event, *ProblemDetail) {
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

	var events []FunnelEvent

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&events); err != nil {
		return nil, BadRequest("Invalid JSON: " + err.Error())
	}

	// Empty request check
	if len(events) == 0 {
		return nil, BadRequest("Event array cannot be empty")
	}

	// Map API requests to domain models
	domainEvents := make([]*event.Event, len(events))
	for i := range events {
		domainEvents[i] = mapEventRequest(&events[i])
	}

	return domainEvents, nil
}

// offerEvents hands each event to the engine and collects per-event outcomes.
// Returns a ProblemDetail only when the engine refuses intake entirely
// (shutdown in progress); individual validation failures are reported in the
// response body.
func (s *Server) offerEvents(correlationID string, events []*event.Event) (*IngestResponse, *ProblemDetail) {
	failedEvents := make([]FailedEvent, 0)
	accepted := 0

	for i, evt := range events {
		err := s.engine.Offer(evt)
		if err == nil {
			accepted++

			continue
		}

		if errors.Is(err, engine.ErrEngineStopped) {
			return nil, ServiceUnavailable("Event intake is shutting down")
		}

		reason := err.Error()
		failedEvents = append(failedEvents, FailedEvent{
			Index:  i,
			Reason: reason,
		})

		s.logger.Warn("Event validation failed",
			slog.String("correlation_id", correlationID),
			slog.Int("event_index", i),
			slog.String("reason", reason),
		)
	}

	rejected := len(failedEvents)

	// Determine overall status
	status := "success"
	if rejected > 0 && accepted == 0 {
		status = "error" // All rejected
	}

	return &IngestResponse{
		Status: status,
		Summary: ResponseSummary{
			Received: len(events),
			Accepted: accepted,
			Rejected: rejected,
		},
		FailedEvents:  failedEvents,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// determineStatusCode determines the HTTP status code from the ingest response.
//
// Status code logic:
//   - 200 OK: All events accepted
//   - 207 Multi-Status: Partial success (some accepted, some rejected)
//   - 422 Unprocessable Entity: All events rejected
func determineStatusCode(response *IngestResponse) int {
	if response.Summary.Rejected == 0 {
		// All accepted
		return http.StatusOK
	} else if response.Summary.Accepted > 0 {
		// Partial success
		response.Status = "partial_success"

		return http.StatusMultiStatus
	}

	// All rejected
	return http.StatusUnprocessableEntity
}

// sendIngestResponse marshals and sends the ingest response to the client.
// Returns the HTTP status code for logging purposes.
func (s *Server) sendIngestResponse(
	w http.ResponseWriter,
	r *http.Request,
	response *IngestResponse,
) int {
	// Determine status code
	statusCode := determineStatusCode(response)

	// Marshal response (fail fast before headers)
	data, err := json.Marshal(response)
	if err != nil {
		s.logger.Error("Failed to marshal ingest response",
			slog.String("correlation_id", response.CorrelationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return http.StatusInternalServerError
	}

	// Write headers and response body
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write ingest response",
			slog.String("correlation_id", response.CorrelationID),
			slog.String("error", err.Error()),
		)
	}

	return statusCode
}
