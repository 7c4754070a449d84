package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/infergate/internal/model"
	"github.com/seantiz/infergate/internal/store"
)

const (
	resultEvent       = "result"
	keepaliveInterval = 15 * time.Second
)

// handleResultEvents streams a single "result" event once the task reaches a
// terminal state, then closes the stream.
func (s *Server) handleResultEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before reading so a completion landing in between is not lost.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	res, err := s.engine.Lookup(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeNotFound(w)
		return
	}
	if err != nil {
		s.logger.Error("get result for events", "request_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get result")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if model.IsTerminal(res.Status) {
		w.WriteHeader(http.StatusOK)
		s.sendResult(w, res)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	resultStreamsActive.Inc()
	defer resultStreamsActive.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case final, ok := <-ch:
			if !ok {
				return
			}
			s.sendResult(w, &final)
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return // Client gone.
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

func (s *Server) sendResult(w http.ResponseWriter, res *model.Result) {
	data, err := json.Marshal(newResultResponse(res))
	if err != nil {
		s.logger.Error("encode result event", "request_id", res.ID, "error", err)
		return
	}
	if err := writeSSEEvent(w, resultEvent, string(data)); err != nil {
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
// data must not contain newlines.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
