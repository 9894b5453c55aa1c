// Package ws implements the WebSocket adapter: a duplex per-session
// stream carrying envelopes outbound and input lines inbound.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/vincent-163/claude-code-multi/internal/domain/envelope"
	"github.com/vincent-163/claude-code-multi/internal/session"
)

// queueSize bounds the per-connection outbound backlog. A consumer that
// falls this far behind is disconnected and must reconnect with last_seq.
const queueSize = 256

// Streamer upgrades requests to WebSocket and bridges them to sessions.
type Streamer struct {
	mgr *session.Manager
	log *slog.Logger
}

// NewStreamer creates the WebSocket adapter over the session manager.
func NewStreamer(mgr *session.Manager, log *slog.Logger) *Streamer {
	if log == nil {
		log = slog.Default()
	}
	return &Streamer{mgr: mgr, log: log}
}

// inbound is one client-to-server frame. Control forwards a raw protocol
// line; Text is wrapped as a user message server-side.
type inbound struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Control json.RawMessage `json:"control,omitempty"`
}

// Handle upgrades GET /api/v1/sessions/{id}/ws. Replays envelopes after
// the last_seq query parameter, then streams live; inbound frames are
// forwarded to the process.
func (st *Streamer) Handle(w http.ResponseWriter, r *http.Request) {
	s, err := st.mgr.Get(sessionID(r))
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var lastSeq uint64
	if v := r.URL.Query().Get("last_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "last_seq must be a non-negative integer", http.StatusBadRequest)
			return
		}
		lastSeq = n
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		st.log.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := st.log.With("session_id", s.ID(), "remote", r.RemoteAddr)
	log.Info("websocket connected", "last_seq", lastSeq)

	ch := make(chan envelope.Envelope, queueSize)
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

	go st.readLoop(ctx, cancel, conn, s, log)

	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	for {
		select {
		case env := <-ch:
			data, err := json.Marshal(env)
			if err != nil {
				log.Error("envelope marshal failed", "seq", env.Seq, "error", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				log.Debug("websocket write failed", "error", err)
				return
			}
		case <-overflow:
			log.Warn("websocket consumer too slow, disconnecting")
			_ = conn.Close(websocket.StatusPolicyViolation, "consumer too slow")
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop consumes client frames until disconnect. Unknown frame types
// are logged and dropped, never fatal.
func (st *Streamer) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, s *session.Session, log *slog.Logger) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Info("websocket disconnected")
			return
		}

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			log.Warn("malformed websocket frame", "error", err)
			continue
		}

		switch in.Type {
		case "input":
			if !s.SendControlMessage(userMessage(in.Text)) {
				log.Warn("input dropped, session is dead")
			}
		case "control":
			if len(in.Control) == 0 {
				log.Warn("control frame without control payload")
				continue
			}
			// Compacted on marshal so interior newlines in the client's
			// JSON cannot split one message across stdin lines.
			if !s.SendControlMessage(in.Control) {
				log.Warn("control dropped, session is dead")
			}
		case "interrupt":
			s.SendInterrupt()
		default:
			log.Warn("unknown websocket frame type", "type", in.Type)
		}
	}
}

func sessionID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

// userMessage wraps prompt text as a stream-json user message line.
func userMessage(text string) any {
	type content struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	type message struct {
		Role    string    `json:"role"`
		Content []content `json:"content"`
	}
	return struct {
		Type    string  `json:"type"`
		Message message `json:"message"`
	}{
		Type: "user",
		Message: message{
			Role:    "user",
			Content: []content{{Type: "text", Text: text}},
		},
	}
}
