// Package proc owns a single child process, exposing byte-oriented stdin
// and line-oriented stdout/stderr as a uniform surface. Stdout lines are
// converted into structured inbound messages; lines that are not valid
// JSON are wrapped as raw text rather than dropped.
package proc

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vincent-163/claude-code-multi/internal/domain/envelope"
)

// GracePeriod is how long Terminate waits after SIGTERM before SIGKILL.
const GracePeriod = 5 * time.Second

// Claude Code emits very long lines when tool results carry file contents.
const maxLineBytes = 4 * 1024 * 1024

// Inbound is one parsed stdout line. Raw marks lines that were not valid
// JSON and were wrapped via envelope.RawText.
type Inbound struct {
	Payload json.RawMessage
	Raw     bool
}

// Callbacks receive the supervisor's output. OnExit fires exactly once,
// for process exit and for spawn failure alike; after it fires the
// supervisor is permanently dead.
type Callbacks struct {
	OnMessage func(Inbound)
	OnStderr  func(line string)
	OnExit    func(code int, err error)
}

// Supervisor wraps one child process. All methods are safe for concurrent
// use; writes against a dead process report failure instead of panicking.
type Supervisor struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdinMu  sync.Mutex
	cb       Callbacks
	exited   chan struct{}
	exitOnce sync.Once
	dead     atomic.Bool
	log      *slog.Logger
}

// Spawn starts the process with all three standard streams captured.
// A start failure is reported through OnExit, not as a return value, so
// the caller's bookkeeping path is identical for both outcomes.
func Spawn(name string, args []string, cwd string, extraEnv []string, cb Callbacks, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), extraEnv...)

	s := &Supervisor{
		cmd:    cmd,
		cb:     cb,
		exited: make(chan struct{}),
		log:    log,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.spawnFailed(err)
		return s
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		s.spawnFailed(err)
		return s
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		s.spawnFailed(err)
		return s
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		s.spawnFailed(err)
		return s
	}

	s.stdin = stdin
	log.Debug("process spawned", "pid", cmd.Process.Pid, "command", name)

	var readers sync.WaitGroup
	readers.Add(2)
	go s.readStdout(stdout, &readers)
	go s.readStderr(stderr, &readers)
	go s.waitExit(&readers)

	return s
}

func (s *Supervisor) spawnFailed(err error) {
	s.dead.Store(true)
	s.log.Error("process spawn failed", "error", err)
	go s.notifyExit(-1, err)
}

// readStdout splits stdout on newlines and forwards each non-empty line
// as one inbound message. Never silently discards output: lines that fail
// JSON validation are forwarded as raw text.
func (s *Supervisor) readStdout(r io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var in Inbound
		if json.Valid([]byte(line)) {
			in = Inbound{Payload: json.RawMessage(line)}
		} else {
			in = Inbound{Payload: envelope.RawText(line), Raw: true}
		}
		if s.cb.OnMessage != nil {
			s.cb.OnMessage(in)
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn("stdout read ended", "error", err)
	}
}

// readStderr forwards stderr line by line as diagnostic text, never
// parsed as protocol.
func (s *Supervisor) readStderr(r io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if s.cb.OnStderr != nil {
			s.cb.OnStderr(line)
		}
	}
}

func (s *Supervisor) waitExit(readers *sync.WaitGroup) {
	readers.Wait()
	err := s.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			err = nil
		} else {
			code = -1
		}
	}
	s.notifyExit(code, err)
}

func (s *Supervisor) notifyExit(code int, err error) {
	s.exitOnce.Do(func() {
		s.dead.Store(true)
		s.stdinMu.Lock()
		if s.stdin != nil {
			s.stdin.Close()
		}
		s.stdinMu.Unlock()

		s.log.Debug("process exited", "code", code, "error", err)
		if s.cb.OnExit != nil {
			s.cb.OnExit(code, err)
		}
		// Closed after the owner's exit bookkeeping so that Terminate
		// returns with the session already marked dead.
		close(s.exited)
	})
}

// Alive reports whether the process has not yet been declared dead.
func (s *Supervisor) Alive() bool {
	return !s.dead.Load()
}

// Write appends text plus a newline to the process's stdin. Returns false
// when the process is absent or already reported dead.
func (s *Supervisor) Write(text string) bool {
	if s.dead.Load() {
		return false
	}

	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	if s.stdin == nil {
		return false
	}
	if _, err := io.WriteString(s.stdin, text+"\n"); err != nil {
		s.log.Warn("stdin write failed", "error", err)
		return false
	}
	return true
}

// Interrupt sends SIGINT without waiting for acknowledgment. Claude Code
// finishes the current tool call and returns to its prompt loop.
func (s *Supervisor) Interrupt() bool {
	if s.dead.Load() || s.cmd.Process == nil {
		return false
	}
	if err := s.cmd.Process.Signal(syscall.SIGINT); err != nil {
		s.log.Warn("interrupt failed", "error", err)
		return false
	}
	return true
}

// Terminate sends SIGTERM, waits up to GracePeriod for exit, then SIGKILLs.
// Always returns; never blocks indefinitely.
func (s *Supervisor) Terminate() {
	select {
	case <-s.exited:
		return
	default:
	}

	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-s.exited:
		return
	case <-time.After(GracePeriod):
	}

	s.log.Warn("process ignored SIGTERM, killing")
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	<-s.exited
}
