package transport

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/NickB03/vana/broadcast"
	"github.com/NickB03/vana/core"
)

// conn tracks one open stream connection. Connections are owned exclusively
// by the stream handler goroutine and never persisted; lastSent enforces
// the per-connection monotonic delivery invariant.
type conn struct {
	id        string
	sessionID string
	openedAt  time.Time
	lastSent  int64
}

// resumeCursor extracts the client's replay cursor from the Last-Event-ID
// header or the cursor query parameter. Absent both, the stream starts live.
func resumeCursor(r *http.Request) (int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("cursor")
	}
	if raw == "" {
		return broadcast.Live, nil
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0, fmt.Errorf("malformed cursor %q", raw)
	}
	return cursor, nil
}

// handleStream serves GET /sessions/{id}/events as text/event-stream:
// greeting, replay since the client's cursor, then live delivery until the
// client goes away or falls too far behind.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	cursor, err := resumeCursor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_cursor", err.Error())
		return
	}

	att, err := s.bcast.Subscribe(r.Context(), sessionID, cursor)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidCursor):
			// Cursor ahead of the session tail: a client/server event ID
			// mismatch. Surfaced as a terminal error event on the stream so
			// EventSource clients see it without a reconnect loop.
			flusher, ok := beginStream(w)
			if !ok {
				return
			}
			ev := core.NewTransientEvent(sessionID, core.EventPipelineError, core.PipelineErrorPayload{
				ErrorCode: "invalid_cursor",
				Message:   err.Error(),
			})
			writeSSE(w, flusher, ev)
		default:
			status, code := statusForErr(err)
			writeError(w, status, code, err.Error())
		}
		return
	}

	flusher, ok := beginStream(w)
	if !ok {
		s.bcast.Unsubscribe(att.Sub)
		return
	}

	c := &conn{id: uuid.NewString(), sessionID: sessionID, openedAt: time.Now()}
	openStreams.Inc()
	defer openStreams.Dec()
	s.logger.Debug("stream open connection_id=%s session_id=%s cursor=%d", c.id, sessionID, cursor)

	if err := writeSSE(w, flusher, core.NewConnectionEvent(sessionID)); err != nil {
		s.bcast.Unsubscribe(att.Sub)
		return
	}
	for _, ev := range att.Replay {
		if err := c.send(w, flusher, ev); err != nil {
			s.bcast.Unsubscribe(att.Sub)
			return
		}
	}
	if att.Sub == nil {
		// Replay hit the catch-up bound. End the stream cleanly; the client
		// reconnects with its advanced cursor and resumes from there.
		return
	}
	defer s.bcast.Unsubscribe(att.Sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-att.Sub.Events():
			if !open {
				// Dropped as a slow consumer or the hub shut down.
				return
			}
			if err := c.send(w, flusher, ev); err != nil {
				s.logger.Debug("stream write failed connection_id=%s: %v", c.id, err)
				return
			}
		}
	}
}

// send writes one event frame, skipping anything at or below the
// connection's high-water mark so delivery stays strictly increasing.
func (c *conn) send(w io.Writer, flusher http.Flusher, ev core.Event) error {
	if !ev.Transient() {
		if ev.ID <= c.lastSent {
			return nil
		}
		c.lastSent = ev.ID
	}
	return writeSSE(w, flusher, ev)
}

// beginStream sets SSE response headers and resolves the flusher.
func beginStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

// writeSSE emits one event frame. Persisted events carry their ID in the id
// field; transient frames omit it so client cursors are unaffected.
func writeSSE(w io.Writer, flusher http.Flusher, ev core.Event) error {
	if !ev.Transient() {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, ev.Payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
