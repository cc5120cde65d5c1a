package api

import (
	"net/http"
)

// handleCohorts returns the cohort retention table.
// GET /api/v1/cohorts?segment=VIP
//
// The segment parameter filters to one acquisition segment; omitted, every
// cohort row is returned, ordered by acquisition period then segment.
func (s *Server) handleCohorts(w http.ResponseWriter, r *http.Request) {
	segment := r.URL.Query().Get("segment")

	rows := s.engine.Cohorts().Table(segment)

	s.writeJSON(w, r, mapRetentionRows(rows))
}
