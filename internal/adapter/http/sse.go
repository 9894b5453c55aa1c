package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/vincent-163/claude-code-multi/internal/domain/envelope"
)

const (
	// sseQueueSize bounds the per-connection backlog. A consumer that
	// falls this far behind is disconnected and must reconnect with its
	// last seen sequence number.
	sseQueueSize = 256

	sseHeartbeat = 15 * time.Second
)

// StreamEvents handles GET /api/v1/sessions/{id}/events. Replays every
// buffered envelope after last_seq, then streams live. Envelope sequence
// numbers double as SSE event ids, so EventSource auto-reconnect resumes
// where it left off via Last-Event-ID.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	s, err := h.Mgr.Get(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	lastSeq, ok := parseLastSeq(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := make(chan envelope.Envelope, sseQueueSize)
	overflow := make(chan struct{})
	sub := s.SubscribeAfter(lastSeq, func(env envelope.Envelope) {
		select {
		case ch <- env:
		default:
			select {
			case <-overflow:
			default:
				close(overflow)
			}
		}
	})
	defer sub.Cancel()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case env := <-ch:
			if err := writeSSE(w, env); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-overflow:
			h.Log.Warn("sse consumer too slow, disconnecting",
				"session_id", s.ID(), "request_id", r.Header.Get("X-Request-ID"))
			return
		case <-r.Context().Done():
			return
		}
	}
}

// parseLastSeq reads the resume position from the last_seq query
// parameter, falling back to the Last-Event-ID header EventSource sends
// on auto-reconnect. Zero means replay from the start of the buffer.
func parseLastSeq(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	v := r.URL.Query().Get("last_seq")
	if v == "" {
		v = r.Header.Get("Last-Event-ID")
	}
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "last_seq must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func writeSSE(w http.ResponseWriter, env envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", env.Seq, env.Kind, data)
	return err
}
