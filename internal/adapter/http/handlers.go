package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/vincent-163/claude-code-multi/internal/adapter/otel"
	"github.com/vincent-163/claude-code-multi/internal/port/eventstore"
	"github.com/vincent-163/claude-code-multi/internal/session"
)

// Handlers carries the dependencies shared by all HTTP handlers.
type Handlers struct {
	Mgr     *session.Manager
	Archive eventstore.Store // nil when no archival backend is configured
	Metrics *otel.Metrics
	Log     *slog.Logger
}

// NewHandlers wires the handler set. archive may be nil.
func NewHandlers(mgr *session.Manager, archive eventstore.Store, metrics *otel.Metrics, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		// Instruments on the default (no-op) meter never fail.
		metrics, _ = otel.NewMetrics()
	}
	return &Handlers{Mgr: mgr, Archive: archive, Metrics: metrics, Log: log}
}

type createSessionRequest struct {
	WorkDir   string   `json:"work_dir"`
	Model     string   `json:"model,omitempty"`
	ExtraArgs []string `json:"extra_args,omitempty"`
}

type resumeSessionRequest struct {
	Model     string   `json:"model,omitempty"`
	ExtraArgs []string `json:"extra_args,omitempty"`
}

type inputRequest struct {
	Text string `json:"text"`
}

// CreateSession handles POST /api/v1/sessions.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createSessionRequest](w, r)
	if !ok {
		return
	}

	s, err := h.Mgr.Create(r.Context(), session.Options{
		WorkDir:   req.WorkDir,
		Model:     req.Model,
		ExtraArgs: req.ExtraArgs,
	})
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	h.Metrics.SessionsCreated.Add(r.Context(), 1)
	writeJSON(w, http.StatusCreated, s.Summary())
}

// ListSessions handles GET /api/v1/sessions. The listing merges live
// sessions with sessions recoverable from disk.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.Mgr.List(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if summaries == nil {
		summaries = []session.Summary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

// GetSession handles GET /api/v1/sessions/{id}.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Mgr.Get(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s.Summary())
}

// DeleteSession handles DELETE /api/v1/sessions/{id}. Destroys the
// process and permanently deletes the durable log.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Mgr.Destroy(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	h.Metrics.SessionsDestroyed.Add(r.Context(), 1)
	w.WriteHeader(http.StatusNoContent)
}

// ResumeSession handles POST /api/v1/sessions/{id}/resume. Idempotent
// for a session that is already live.
func (h *Handlers) ResumeSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[resumeSessionRequest](w, r)
	if !ok {
		return
	}

	s, err := h.Mgr.Resume(r.Context(), urlParam(r, "id"), session.Options{
		Model:     req.Model,
		ExtraArgs: req.ExtraArgs,
	})
	if err != nil {
		writeDomainError(w, err, "session not found or not resumable")
		return
	}
	h.Metrics.SessionsResumed.Add(r.Context(), 1)
	writeJSON(w, http.StatusOK, s.Summary())
}

// SendInput handles POST /api/v1/sessions/{id}/input. The text is
// wrapped as a stream-json user message and written to the process.
func (h *Handlers) SendInput(w http.ResponseWriter, r *http.Request) {
	s, err := h.Mgr.Get(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}

	req, ok := readJSON[inputRequest](w, r)
	if !ok {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if !s.SendControlMessage(userMessage(req.Text)) {
		writeError(w, http.StatusConflict, "session is dead")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// SendControl handles POST /api/v1/sessions/{id}/control. The body is
// forwarded to the process as a single compacted line; used by clients
// answering permission prompts with control_response messages.
func (h *Handlers) SendControl(w http.ResponseWriter, r *http.Request) {
	s, err := h.Mgr.Get(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}

	msg, ok := readJSON[json.RawMessage](w, r)
	if !ok {
		return
	}

	// Marshal compacts the raw message: a pretty-printed body must still
	// reach the process as exactly one line.
	if !s.SendControlMessage(msg) {
		writeError(w, http.StatusConflict, "session is dead")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Interrupt handles POST /api/v1/sessions/{id}/interrupt.
func (h *Handlers) Interrupt(w http.ResponseWriter, r *http.Request) {
	s, err := h.Mgr.Get(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}

	if !s.SendInterrupt() {
		writeError(w, http.StatusConflict, "session is dead")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// History handles GET /api/v1/sessions/{id}/history?limit=N, returning
// up to N most-recent envelopes from the in-memory buffer.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	s, err := h.Mgr.Get(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	envs := s.History(limit)
	if envs == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, envs)
}

// ArchiveHistory handles GET /api/v1/sessions/{id}/archive?after_seq=N&limit=M.
// Reads from the archival store, which outlives both the in-memory buffer
// and the durable log file.
func (h *Handlers) ArchiveHistory(w http.ResponseWriter, r *http.Request) {
	if h.Archive == nil {
		writeError(w, http.StatusNotImplemented, "no archival store configured")
		return
	}

	var afterSeq uint64
	if v := r.URL.Query().Get("after_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after_seq must be a non-negative integer")
			return
		}
		afterSeq = n
	}
	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	envs, err := h.Archive.LoadBySession(r.Context(), urlParam(r, "id"), afterSeq, limit)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envs)
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"live_sessions": h.Mgr.LiveCount(),
	})
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
