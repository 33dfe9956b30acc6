package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

func (s *Server) handleStreamDiagnostics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("get session for diagnostics", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// An ended session has nothing more to stream.
	if model.Terminal(sess.Status) {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribing to a session that ended after the status check returns a
	// closed channel, so the loop below exits immediately.
	ch, unsub := s.broker.Subscribe(id)
	defer unsub()
	diagnosticStreams.Inc()
	defer diagnosticStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(line)
			if err != nil {
				s.logger.Error("encode diagnostic", "error", err)
				continue
			}
			if err := writeSSEData(w, string(data)); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// diagnosticHistoryResponse is the JSON response for
// GET /v1/sessions/:id/diagnostics/history.
type diagnosticHistoryResponse struct {
	SessionID string                 `json:"session_id"`
	Lines     []model.DiagnosticLine `json:"lines"`
}

func (s *Server) handleGetDiagnosticHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	_, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("get session for diagnostic history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	lines, err := s.store.GetDiagnostics(r.Context(), id)
	if err != nil {
		s.logger.Error("get diagnostics", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get diagnostics")
		return
	}

	s.writeJSON(w, http.StatusOK, diagnosticHistoryResponse{
		SessionID: id,
		Lines:     lines,
	})
}

// writeSSEData writes a payload as an SSE data event. Multi-line payloads are
// split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, payload string) error {
	for seg := range strings.SplitSeq(payload, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
