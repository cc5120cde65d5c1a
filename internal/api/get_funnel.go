package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/api/middleware"
	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/funnel"
)

// handleFunnelCurrent returns the most recently finalized bucket for a slice.
// GET /api/v1/funnel/current?slice=device_type=Mobile
//
// The slice parameter defaults to the unsliced aggregate when omitted.
// Returns 404 when no bucket has finalized for the slice yet.
func (s *Server) handleFunnelCurrent(w http.ResponseWriter, r *http.Request) {
	slice := funnel.SliceKey(r.URL.Query().Get("slice"))

	bucket := s.engine.Publisher().CurrentSnapshot(slice)
	if bucket == nil {
		WriteErrorResponse(w, r, s.logger, NotFound("No finalized bucket for this slice yet"))

		return
	}

	s.writeJSON(w, r, mapBucket(bucket))
}

// handleFunnelHistory returns finalized buckets for a slice in a time range.
// GET /api/v1/funnel/history?slice=...&from=2024-06-01T00:00:00Z&to=2024-06-02T00:00:00Z
//
// Bounds are optional RFC3339 timestamps; omitted bounds are open. When the
// archive database is configured it serves the query, so the range can reach
// past the in-memory retention window. Otherwise history comes from the
// publisher's bounded in-memory buffer.
func (s *Server) handleFunnelHistory(w http.ResponseWriter, r *http.Request) {
	slice := funnel.SliceKey(r.URL.Query().Get("slice"))

	from, problem := parseTimeParam(r, "from")
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	to, problem := parseTimeParam(r, "to")
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if s.archive != nil {
		buckets, err := s.archive.QueryBuckets(r.Context(), normalizeSlice(slice), from, to)
		if err != nil {
			s.logger.Error("Archive history query failed",
				slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
				slog.String("slice", string(slice)),
				slog.String("error", err.Error()),
			)

			WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to query archived buckets"))

			return
		}

		s.writeJSON(w, r, mapBuckets(buckets))

		return
	}

	s.writeJSON(w, r, mapBuckets(s.engine.Publisher().History(slice, from, to)))
}

// normalizeSlice maps the empty query value to the aggregate key. The
// publisher normalizes internally; the archive stores the explicit key.
func normalizeSlice(slice funnel.SliceKey) funnel.SliceKey {
	if slice == "" {
		return funnel.AggregateKey
	}

	return slice
}

// parseTimeParam parses an optional RFC3339 query parameter. A missing
// parameter yields the zero time (open bound).
func parseTimeParam(r *http.Request, name string) (time.Time, *ProblemDetail) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, BadRequest("Invalid " + name + " timestamp, want RFC3339: " + err.Error())
	}

	return t, nil
}
