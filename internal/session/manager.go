package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vincent-163/claude-code-multi/internal/domain"
	"github.com/vincent-163/claude-code-multi/internal/domain/envelope"
	"github.com/vincent-163/claude-code-multi/internal/logfile"
	"github.com/vincent-163/claude-code-multi/internal/port/cache"
	"github.com/vincent-163/claude-code-multi/internal/port/eventsink"
	"github.com/vincent-163/claude-code-multi/internal/proc"
)

// mandatoryArgs selects the line-delimited JSON transport on both stdio
// directions and routes permission prompts through stdio. Caller-supplied
// extra arguments are appended verbatim, never validated.
var mandatoryArgs = []string{
	"--input-format", "stream-json",
	"--output-format", "stream-json",
	"--print",
	"--verbose",
	"--permission-prompt-tool", "stdio",
}

const summaryCacheTTL = 5 * time.Minute

// Config holds the manager's tunables. Zero values are filled by
// config.Defaults upstream; the manager trusts them.
type Config struct {
	Dir           string
	MaxSessions   int
	BufferCap     int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Command       string
	BaseArgs      []string
}

// Options are the caller-supplied parameters for one session.
type Options struct {
	WorkDir   string
	Model     string
	ExtraArgs []string
}

// Manager owns the registry of live sessions: creation, resumption from
// durable log files, listing (merging live and dead-on-disk), deletion,
// and the background staleness sweep. No other component may add or
// remove registry entries.
type Manager struct {
	cfg   Config
	log   *slog.Logger
	cache cache.Cache
	sinks []eventsink.Sink

	mu       sync.Mutex
	sessions map[string]*Session

	sinkCh   chan sinkEvent
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type sinkEvent struct {
	sessionID string
	env       envelope.Envelope
}

// NewManager creates a session manager. cache may be nil (listing reads
// every dead log file on each call); sinks may be empty.
func NewManager(cfg Config, c cache.Cache, sinks []eventsink.Sink, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		log:      log,
		cache:    c,
		sinks:    sinks,
		sessions: make(map[string]*Session),
		sinkCh:   make(chan sinkEvent, 1024),
		stop:     make(chan struct{}),
	}
	if len(sinks) > 0 {
		m.wg.Add(1)
		go m.forwardSinks()
	}
	return m
}

// forwardSinks drains the shared sink queue on a single goroutine,
// preserving per-session order without letting sink I/O block appends.
func (m *Manager) forwardSinks() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.sinkCh:
			for _, sink := range m.sinks {
				if err := sink.Append(context.Background(), ev.sessionID, ev.env); err != nil {
					m.log.Warn("event sink append failed",
						"sink", sink.Name(), "session_id", ev.sessionID, "seq", ev.env.Seq, "error", err)
				}
			}
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) attachSinks(s *Session) {
	if len(m.sinks) == 0 {
		return
	}
	id := s.ID()
	s.Subscribe(func(env envelope.Envelope) {
		select {
		case m.sinkCh <- sinkEvent{sessionID: id, env: env}:
		default:
			m.log.Warn("sink queue full, dropping envelope", "session_id", id, "seq", env.Seq)
		}
	})
}

// Create spawns a new session. Fails with domain.ErrCapacity when the
// count of non-dead sessions has reached the configured maximum. The
// returned session has already received the initialize control message.
func (m *Manager) Create(ctx context.Context, opts Options) (*Session, error) {
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("work_dir is required: %w", domain.ErrValidation)
	}

	m.mu.Lock()
	if m.liveCountLocked() >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%d live sessions: %w", m.cfg.MaxSessions, domain.ErrCapacity)
	}

	meta := logfile.Metadata{
		ID:        uuid.NewString(),
		WorkDir:   opts.WorkDir,
		Model:     opts.Model,
		CreatedAt: time.Now().Unix(),
	}
	file, err := logfile.Create(m.cfg.Dir, meta)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	elog := NewEventLog(m.cfg.BufferCap, m.log)
	elog.SetFile(file)
	s := newSession(meta, elog, file, m.log)
	m.attachSinks(s)

	sup := proc.Spawn(m.cfg.Command, m.buildArgs(opts, ""), opts.WorkDir, nil, s.callbacks(), s.log)
	s.attach(sup)

	m.sessions[meta.ID] = s
	m.mu.Unlock()

	s.SendControlMessage(newInitializeRequest())
	m.log.Info("session created", "session_id", meta.ID, "work_dir", opts.WorkDir, "model", opts.Model)
	return s, nil
}

// Resume returns the live session unchanged when one exists for the id
// (idempotent). Otherwise it rehydrates the event log from the durable
// file and spawns a new process instructed to resume the upstream
// conversation. The public identifier is preserved; only the process and
// its upstream conversation change.
func (m *Manager) Resume(ctx context.Context, id string, opts Options) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok && s.Status() != StatusDead {
		m.mu.Unlock()
		return s, nil
	}

	if m.liveCountLocked() >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%d live sessions: %w", m.cfg.MaxSessions, domain.ErrCapacity)
	}

	meta, envs, err := logfile.Load(logfile.Path(m.cfg.Dir, id))
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	upstreamID := extractUpstreamID(envs)
	if upstreamID == "" {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s has no upstream conversation id: %w", id, domain.ErrNotFound)
	}
	if meta.ID == "" {
		meta.ID = id
	}
	if opts.Model != "" {
		meta.Model = opts.Model
	}
	meta.ResumeFrom = upstreamID

	file, err := logfile.Open(m.cfg.Dir, id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	elog := NewEventLog(m.cfg.BufferCap, m.log)
	elog.LoadFrom(envs)
	elog.SetFile(file)
	s := newSession(meta, elog, file, m.log)
	m.attachSinks(s)

	resumeOpts := Options{WorkDir: meta.WorkDir, Model: meta.Model, ExtraArgs: opts.ExtraArgs}
	sup := proc.Spawn(m.cfg.Command, m.buildArgs(resumeOpts, upstreamID), meta.WorkDir, nil, s.callbacks(), s.log)
	s.attach(sup)

	// A dead registry entry for the same id is shadowed by the fresh one.
	m.sessions[id] = s
	m.mu.Unlock()

	s.SendControlMessage(newInitializeRequest())
	m.log.Info("session resumed", "session_id", id, "upstream_id", upstreamID)
	return s, nil
}

func (m *Manager) buildArgs(opts Options, resumeID string) []string {
	args := append([]string{}, mandatoryArgs...)
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}
	args = append(args, m.cfg.BaseArgs...)
	args = append(args, opts.ExtraArgs...)
	return args
}

// Get returns the registered session for id, dead or alive.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

// List returns the union of live sessions and durable log files with no
// corresponding registry entry, the latter reported as dead. A registry
// entry always shadows a file-only entry for the same id.
func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	m.mu.Lock()
	summaries := make([]Summary, 0, len(m.sessions))
	registered := make(map[string]bool, len(m.sessions))
	for id, s := range m.sessions {
		summaries = append(summaries, s.Summary())
		registered[id] = true
	}
	m.mu.Unlock()

	paths, modTimes, err := logfile.ScanDir(m.cfg.Dir)
	if err != nil {
		return nil, err
	}
	for i, path := range paths {
		info, err := m.readInfo(ctx, path, modTimes[i])
		if err != nil {
			m.log.Warn("unreadable session log file", "path", path, "error", err)
			continue
		}
		if registered[info.Meta.ID] {
			continue
		}
		summaries = append(summaries, Summary{
			ID:           info.Meta.ID,
			Status:       StatusDead,
			WorkDir:      info.Meta.WorkDir,
			Model:        info.Meta.Model,
			CreatedAt:    info.Meta.CreatedAt,
			LastActiveAt: info.LastTimestamp,
			LastSeq:      info.LastSeq,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt != summaries[j].CreatedAt {
			return summaries[i].CreatedAt > summaries[j].CreatedAt
		}
		return summaries[i].ID < summaries[j].ID
	})
	return summaries, nil
}

// readInfo parses a log file's summary, cached by path and modification
// time so repeated listings do not re-read unchanged files.
func (m *Manager) readInfo(ctx context.Context, path string, modTime time.Time) (logfile.Info, error) {
	if m.cache == nil {
		return logfile.ReadInfo(path)
	}

	key := fmt.Sprintf("loginfo:%s:%d", path, modTime.UnixNano())
	if data, ok, err := m.cache.Get(ctx, key); err == nil && ok {
		var info logfile.Info
		if json.Unmarshal(data, &info) == nil {
			return info, nil
		}
	}

	info, err := logfile.ReadInfo(path)
	if err != nil {
		return logfile.Info{}, err
	}
	if data, err := json.Marshal(info); err == nil {
		_ = m.cache.Set(ctx, key, data, summaryCacheTTL)
	}
	return info, nil
}

// Destroy tears down the live session and deletes its durable log file;
// for an id with no live entry it deletes the file directly. Permanent:
// this is not an archival operation. Fails with domain.ErrNotFound when
// neither exists.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		if err := s.Destroy(); err != nil {
			m.log.Warn("session teardown incomplete", "session_id", id, "error", err)
		}
		if err := logfile.Delete(m.cfg.Dir, id); err != nil {
			m.log.Warn("log file delete failed", "session_id", id, "error", err)
		}
		m.log.Info("session destroyed", "session_id", id)
		return nil
	}

	if err := logfile.Delete(m.cfg.Dir, id); err != nil {
		return err
	}
	m.log.Info("dead session log deleted", "session_id", id)
	return nil
}

// DestroyAll gracefully destroys every live session, tolerating
// individual failures. Used only at process shutdown.
func (m *Manager) DestroyAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.Destroy(); err != nil {
				m.log.Warn("session teardown failed", "session_id", s.ID(), "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// StartSweeper launches the background staleness sweep: on each interval
// any non-dead session idle past the timeout is forcibly destroyed, but
// its registry entry and durable file are kept so it remains resumable.
func (m *Manager) StartSweeper() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stop:
				return
			}
		}
	}()
}

func (m *Manager) sweep() {
	m.mu.Lock()
	var stale []*Session
	for _, s := range m.sessions {
		if s.Status() != StatusDead && time.Since(s.LastActiveAt()) > m.cfg.IdleTimeout {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.log.Info("destroying stale session", "session_id", s.ID(), "idle", time.Since(s.LastActiveAt()).String())
		if err := s.Destroy(); err != nil {
			m.log.Warn("stale session teardown failed", "session_id", s.ID(), "error", err)
		}
	}
}

// Close stops the sweeper and sink forwarder. Live sessions are not
// touched; call DestroyAll first during shutdown.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// LiveCount returns the number of registered non-dead sessions.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveCountLocked()
}

func (m *Manager) liveCountLocked() int {
	n := 0
	for _, s := range m.sessions {
		if s.Status() != StatusDead {
			n++
		}
	}
	return n
}
