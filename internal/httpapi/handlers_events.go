package httpapi

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/HyphaGroup/oubliette/internal/eventbus"
	"github.com/HyphaGroup/oubliette/internal/logger"
)

// handleSessionEvents serves GET /events/session/{session_id}: an SSE
// stream of the chat session's topic, honouring Last-Event-ID for
// resumption. Grounded on the teacher's SSE response headers
// (text/event-stream, no-cache, keep-alive, nginx buffering disabled)
// with frames supplied pre-encoded by internal/eventbus.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		jsonError(w, "session_id is required", http.StatusBadRequest)
		return
	}

	var sinceID *int64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			sinceID = &v
		}
	}

	sub, err := s.bus.Subscribe(sessionID, sinceID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(eventbus.HeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	terminalSeen := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write(eventbus.HeartbeatFrame); err != nil {
				return
			}
			flusher.Flush()
		case frame, ok := <-sub.Frames:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				logger.Info("httpapi: session %s subscriber disconnected: %v", sessionID, err)
				return
			}
			flusher.Flush()
			if _, rest, found := bytes.Cut(frame, []byte("\nevent: ")); found {
				kind, _, _ := bytes.Cut(rest, []byte("\n"))
				terminalSeen = terminalSeen || eventbus.IsTerminalKind(string(kind))
			}
			if terminalSeen && len(sub.Frames) == 0 {
				return
			}
		}
	}
}
