// Package session implements the lifecycle and event-replay core: one
// session binds a durable identifier to zero-or-one live Claude Code
// process, converts the process's output into an ordered, persisted,
// replayable event log, and exposes input injection, interrupt, and
// teardown to the transport layer.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vincent-163/claude-code-multi/internal/domain/envelope"
	"github.com/vincent-163/claude-code-multi/internal/logfile"
	"github.com/vincent-163/claude-code-multi/internal/proc"
)

// Status is the session state machine position. Transitions only move
// forward per handleInbound/handleExit; Dead is terminal.
type Status string

const (
	StatusStarting        Status = "starting"
	StatusReady           Status = "ready"
	StatusBusy            Status = "busy"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusDead            Status = "dead"
)

// Summary is the listing view of a session, live or recovered from disk.
type Summary struct {
	ID           string  `json:"id"`
	Status       Status  `json:"status"`
	WorkDir      string  `json:"work_dir"`
	Model        string  `json:"model,omitempty"`
	CreatedAt    int64   `json:"created_at"`
	LastActiveAt int64   `json:"last_active_at"`
	CostUSD      float64 `json:"cost_usd"`
	LastSeq      uint64  `json:"last_seq"`
	Live         bool    `json:"live"`
}

// Session composes one process supervisor, one event log, and the status
// state machine. It exclusively owns both for its lifetime; neither is
// shared across sessions.
type Session struct {
	id        string
	workDir   string
	model     string
	createdAt time.Time
	elog      *EventLog
	log       *slog.Logger

	mu         sync.Mutex
	status     Status
	lastActive time.Time
	upstreamID string
	costUSD    float64
	sup        *proc.Supervisor
	file       *logfile.File
}

func newSession(meta logfile.Metadata, elog *EventLog, file *logfile.File, log *slog.Logger) *Session {
	createdAt := time.Unix(meta.CreatedAt, 0)
	return &Session{
		id:         meta.ID,
		workDir:    meta.WorkDir,
		model:      meta.Model,
		createdAt:  createdAt,
		elog:       elog,
		log:        log.With("session_id", meta.ID),
		status:     StatusStarting,
		lastActive: time.Now(),
		file:       file,
	}
}

// callbacks binds the supervisor's output to this session.
func (s *Session) callbacks() proc.Callbacks {
	return proc.Callbacks{
		OnMessage: s.handleInbound,
		OnStderr:  s.handleStderr,
		OnExit:    s.handleExit,
	}
}

// attach hands the session its spawned process. Emits the Ready status
// once the process is confirmed running; a spawn failure instead arrives
// through handleExit and wins the race to Dead.
func (s *Session) attach(sup *proc.Supervisor) {
	s.mu.Lock()
	s.sup = sup
	running := sup.Alive() && s.status == StatusStarting
	s.mu.Unlock()

	if running {
		s.setStatus(StatusReady)
	}
}

// handleInbound records every stdout line as a message envelope and
// derives status transitions from the few tags the core understands.
func (s *Session) handleInbound(in proc.Inbound) {
	s.elog.Append(envelope.KindMessage, in.Payload)
	s.touch()

	if in.Raw {
		return
	}
	t, ok := parseTags(in.Payload)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.status == StatusDead {
		s.mu.Unlock()
		return
	}

	var next Status
	switch {
	case t.Type == tagAssistant:
		next = StatusBusy
	case t.Type == tagControlRequest && t.Request.Subtype == subtypeCanUseTool:
		next = StatusWaitingForInput
	case t.Type == tagResult:
		// The upstream reports a running total, not a delta.
		if t.TotalCostUSD != nil {
			s.costUSD = *t.TotalCostUSD
		}
		next = StatusReady
	case t.Type == tagSystem && t.Subtype == subtypeInit && t.SessionID != "":
		s.upstreamID = t.SessionID
		s.log.Info("upstream conversation id captured", "upstream_id", t.SessionID)
	}
	changed := next != "" && next != s.status
	if changed {
		s.status = next
	}
	s.mu.Unlock()

	if changed {
		s.appendStatus(next)
	}
}

// handleStderr forwards diagnostics into the log so reconnecting clients
// get crash context.
func (s *Session) handleStderr(line string) {
	payload, err := json.Marshal(struct {
		Stream string `json:"stream"`
		Text   string `json:"text"`
	}{Stream: "stderr", Text: line})
	if err != nil {
		return
	}
	s.elog.Append(envelope.KindError, payload)
}

// handleExit fires exactly once per process. Death is data, not failure:
// the session stays in the registry and remains resumable.
func (s *Session) handleExit(code int, err error) {
	s.mu.Lock()
	s.sup = nil
	alreadyDead := s.status == StatusDead
	s.status = StatusDead
	file := s.file
	s.file = nil
	s.mu.Unlock()

	if alreadyDead {
		return
	}

	if err != nil {
		payload, _ := json.Marshal(struct {
			Error string `json:"error"`
			Code  int    `json:"code"`
		}{Error: err.Error(), Code: code})
		s.elog.Append(envelope.KindError, payload)
		s.log.Warn("process failed", "code", code, "error", err)
	} else {
		payload, _ := json.Marshal(struct {
			Code int `json:"code"`
		}{Code: code})
		s.elog.Append(envelope.KindExit, payload)
		s.log.Info("process exited", "code", code)
	}
	s.appendStatus(StatusDead)

	s.elog.DetachFile()
	if file != nil {
		if cerr := file.Close(); cerr != nil {
			s.log.Warn("log file close failed", "error", cerr)
		}
	}
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.appendStatus(status)
}

func (s *Session) appendStatus(status Status) {
	payload, err := json.Marshal(struct {
		Status Status `json:"status"`
	}{Status: status})
	if err != nil {
		return
	}
	s.elog.Append(envelope.KindStatus, payload)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) supervisor() *proc.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// SendInput writes text plus a newline to the process. Returns false when
// the session is dead; no queuing, the line goes straight to stdin.
func (s *Session) SendInput(text string) bool {
	sup := s.supervisor()
	if sup == nil {
		return false
	}
	if !sup.Write(text) {
		return false
	}

	payload := json.RawMessage(nil)
	if json.Valid([]byte(text)) {
		payload = json.RawMessage(text)
	} else {
		payload = envelope.RawText(text)
	}
	s.elog.Append(envelope.KindInput, payload)
	s.touch()
	return true
}

// SendControlMessage serializes the object and writes it as one line.
func (s *Session) SendControlMessage(msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("control message marshal failed", "error", err)
		return false
	}
	return s.SendInput(string(data))
}

// SendInterrupt delegates to the supervisor; no-op when dead.
func (s *Session) SendInterrupt() bool {
	sup := s.supervisor()
	if sup == nil {
		return false
	}
	return sup.Interrupt()
}

// Destroy terminates the process (graceful then forced) and releases the
// log file. Idempotent: destroying an already-dead session is a cheap
// no-op.
func (s *Session) Destroy() error {
	sup := s.supervisor()
	if sup != nil {
		// Terminate blocks until handleExit has run, which marks Dead
		// and releases the file.
		sup.Terminate()
		return nil
	}

	s.mu.Lock()
	s.status = StatusDead
	file := s.file
	s.file = nil
	s.mu.Unlock()

	s.elog.DetachFile()
	if file != nil {
		if err := file.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
	}
	return nil
}

// History returns up to n most-recent envelopes in ascending order.
func (s *Session) History(n int) []envelope.Envelope {
	return s.elog.History(n)
}

// Subscribe registers a live listener for new envelopes.
func (s *Session) Subscribe(fn SubscriberFunc) *Subscription {
	return s.elog.Subscribe(fn)
}

// SubscribeAfter replays buffered envelopes after the given sequence
// number and then registers live, with no gap and no duplicate.
func (s *Session) SubscribeAfter(afterSeq uint64, fn SubscriberFunc) *Subscription {
	return s.elog.SubscribeAfter(afterSeq, fn)
}

// ID returns the session's public identifier, stable across resumption.
func (s *Session) ID() string { return s.id }

// WorkDir returns the working directory the process was spawned in.
func (s *Session) WorkDir() string { return s.workDir }

// Model returns the requested model, empty for the CLI default.
func (s *Session) Model() string { return s.model }

// Status returns the current state machine position.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastActiveAt returns the time of the most recent input or output.
func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// CostUSD returns the accumulated cost as last reported by the process.
func (s *Session) CostUSD() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.costUSD
}

// UpstreamID returns the conversation id the process reported for
// itself, empty until the init message arrives.
func (s *Session) UpstreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstreamID
}

// Summary returns the listing view of this session.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:           s.id,
		Status:       s.status,
		WorkDir:      s.workDir,
		Model:        s.model,
		CreatedAt:    s.createdAt.Unix(),
		LastActiveAt: s.lastActive.Unix(),
		CostUSD:      s.costUSD,
		LastSeq:      s.elog.LastSeq(),
		Live:         s.status != StatusDead,
	}
}
