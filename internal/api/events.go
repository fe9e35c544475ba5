package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// eventsRefreshInterval is how often an event stream of a worker-hosted
// operation asks for a refresh. Worker state only flows in on reads.
const eventsRefreshInterval = time.Second

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.ops.OperationType(r.Context(), id); err != nil {
		s.writeServiceError(w, err, "get operation for events", http.StatusBadRequest)
		return
	}

	// Subscribe before reading the snapshot so no update falls in between.
	ch, unsub := s.ops.Broker().Subscribe(id)
	defer unsub()
	apiStreams.Inc()
	defer apiStreams.Dec()

	op, err := s.ops.GetOperation(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, "get operation for events", http.StatusBadRequest)
		return
	}
	initial, err := json.Marshal(op)
	if err != nil {
		s.logger.Error("encode operation snapshot", "operation_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to encode operation")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	if err := writeSSEData(w, string(initial)); err != nil {
		return
	}
	if op.Status.Terminal() {
		_ = writeSSEEvent(w, "done", string(op.Status))
		flush()
		return
	}
	flush()

	var refresh <-chan time.Time
	if s.ops.IsRemote(id) {
		ticker := time.NewTicker(eventsRefreshInterval)
		defer ticker.Stop()
		refresh = ticker.C
	}

	for {
		select {
		case snapshot, ok := <-ch:
			if !ok {
				// Operation reached a terminal status.
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
			if err := writeSSEData(w, string(snapshot)); err != nil {
				return // Write failed (e.g. client gone).
			}
			flush()
		case <-refresh:
			if _, err := s.ops.GetOperation(r.Context(), id); err != nil {
				s.logger.Debug("event stream refresh failed", "operation_id", id, "error", err)
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEData writes a payload as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
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
