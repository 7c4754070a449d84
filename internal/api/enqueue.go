package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/seantiz/infergate/internal/engine"
)

const maxBodySize = 10 << 20 // 10 MB, room for a base64-encoded image

// Admission status values returned by POST /enqueue.
const (
	statusQueued  = "queued"
	statusDropped = "dropped"
)

// enqueueRequest is the JSON body for POST /enqueue.
type enqueueRequest struct {
	Data json.RawMessage `json:"data"`
}

// enqueueResponse is the JSON response for POST /enqueue.
type enqueueResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	data := bytes.TrimSpace(req.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		s.writeError(w, http.StatusBadRequest, "data is required")
		return
	}

	id, err := s.engine.Submit(r.Context(), data)
	switch {
	case errors.Is(err, engine.ErrQueueFull):
		s.writeJSON(w, http.StatusServiceUnavailable, enqueueResponse{
			Status: statusDropped,
			Reason: "Queue is full",
		})
		return
	case errors.Is(err, engine.ErrShuttingDown):
		s.writeJSON(w, http.StatusServiceUnavailable, enqueueResponse{
			Status: statusDropped,
			Reason: "Service shutting down",
		})
		return
	case err != nil:
		s.logger.Error("submit task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}

	s.writeJSON(w, http.StatusOK, enqueueResponse{
		Status: statusQueued,
		ID:     id,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
