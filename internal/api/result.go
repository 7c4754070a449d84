package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/infergate/internal/model"
	"github.com/seantiz/infergate/internal/store"
)

const statusNotFound = "not_found"

// resultResponse is the JSON response for GET /result/{id} and the payload of
// the SSE result event.
type resultResponse struct {
	Status      string          `json:"status"`
	Predictions json.RawMessage `json:"predictions,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func newResultResponse(r *model.Result) resultResponse {
	resp := resultResponse{Status: r.Status}
	switch r.Status {
	case model.StatusDone:
		resp.Predictions = r.Predictions
	case model.StatusFailed:
		resp.Error = r.Error
	}
	return resp
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := s.engine.Lookup(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeNotFound(w)
		return
	}
	if err != nil {
		s.logger.Error("get result", "request_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get result")
		return
	}

	s.writeJSON(w, http.StatusOK, newResultResponse(res))
}

// writeNotFound reports an id that was never admitted.
func (s *Server) writeNotFound(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusNotFound, resultResponse{
		Status: statusNotFound,
		Error:  "unknown request id",
	})
}
