package api

import (
	"net/http"
	"strconv"
)

// defaultAlertLimit bounds the alert response when no limit is given.
const defaultAlertLimit = 50

// handleAlerts returns recent anomaly alerts, newest last.
// GET /api/v1/alerts?limit=20
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlertLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			WriteErrorResponse(w, r, s.logger, BadRequest("Invalid limit, want a positive integer"))

			return
		}

		limit = parsed
	}

	s.writeJSON(w, r, s.engine.Alerts(limit))
}

// handleStats returns the engine's diagnostic counters.
// GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.engine.Stats())
}
