package api

import (
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
}

// handleHealthz reports ok while the engine admits tasks and 503 once
// admission has closed.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Accepting() {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "shutting_down"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
