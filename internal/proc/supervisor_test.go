package proc

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type exitRecord struct {
	code int
	err  error
}

// collector gathers supervisor callbacks behind a mutex so tests can
// assert after the exit signal.
type collector struct {
	mu     sync.Mutex
	lines  []Inbound
	stderr []string
	exits  []exitRecord
	exited chan struct{}
}

func newCollector() *collector {
	return &collector{exited: make(chan struct{})}
}

func (c *collector) callbacks() Callbacks {
	return Callbacks{
		OnMessage: func(in Inbound) {
			c.mu.Lock()
			c.lines = append(c.lines, in)
			c.mu.Unlock()
		},
		OnStderr: func(line string) {
			c.mu.Lock()
			c.stderr = append(c.stderr, line)
			c.mu.Unlock()
		},
		OnExit: func(code int, err error) {
			c.mu.Lock()
			c.exits = append(c.exits, exitRecord{code: code, err: err})
			c.mu.Unlock()
			close(c.exited)
		},
	}
}

func (c *collector) waitExit(t *testing.T) {
	t.Helper()
	select {
	case <-c.exited:
	case <-time.After(10 * time.Second):
		t.Fatal("process never exited")
	}
}

func TestSpawnEchoesJSONLines(t *testing.T) {
	c := newCollector()
	Spawn("sh", []string{"-c", `printf '{"type":"assistant"}\n\n{"type":"result"}\n'`}, t.TempDir(), nil, c.callbacks(), nil)
	c.waitExit(t)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lines) != 2 {
		t.Fatalf("got %d lines, want 2 (blank line skipped)", len(c.lines))
	}
	for _, in := range c.lines {
		if in.Raw {
			t.Errorf("valid JSON flagged raw: %s", in.Payload)
		}
	}
	if len(c.exits) != 1 || c.exits[0].code != 0 || c.exits[0].err != nil {
		t.Errorf("exit record wrong: %+v", c.exits)
	}
}

func TestNonJSONLinesWrappedAsRaw(t *testing.T) {
	c := newCollector()
	Spawn("sh", []string{"-c", `echo "plain text output"`}, t.TempDir(), nil, c.callbacks(), nil)
	c.waitExit(t)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(c.lines))
	}
	if !c.lines[0].Raw {
		t.Fatal("non-JSON line not flagged raw")
	}
	var wrapped struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(c.lines[0].Payload, &wrapped); err != nil {
		t.Fatalf("raw wrapper is not JSON: %v", err)
	}
	if wrapped.Type != "raw" || wrapped.Text != "plain text output" {
		t.Errorf("wrapper wrong: %+v", wrapped)
	}
}

func TestStderrForwarded(t *testing.T) {
	c := newCollector()
	Spawn("sh", []string{"-c", `echo "warning: something" >&2`}, t.TempDir(), nil, c.callbacks(), nil)
	c.waitExit(t)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stderr) != 1 || c.stderr[0] != "warning: something" {
		t.Errorf("stderr = %v", c.stderr)
	}
}

func TestNonZeroExitCode(t *testing.T) {
	c := newCollector()
	Spawn("sh", []string{"-c", "exit 3"}, t.TempDir(), nil, c.callbacks(), nil)
	c.waitExit(t)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.exits) != 1 || c.exits[0].code != 3 || c.exits[0].err != nil {
		t.Errorf("exit record wrong: %+v", c.exits)
	}
}

func TestSpawnFailureReportsThroughOnExit(t *testing.T) {
	c := newCollector()
	s := Spawn("/nonexistent/binary-xyz", nil, t.TempDir(), nil, c.callbacks(), nil)
	c.waitExit(t)

	if s.Alive() {
		t.Error("failed spawn reports alive")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.exits) != 1 || c.exits[0].code != -1 || c.exits[0].err == nil {
		t.Errorf("exit record wrong: %+v", c.exits)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	c := newCollector()
	// cat echoes stdin back; closing stdin via Terminate ends it.
	s := Spawn("cat", nil, t.TempDir(), nil, c.callbacks(), nil)

	if !s.Write(`{"type":"user"}`) {
		t.Fatal("write to live process failed")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		n := len(c.lines)
		c.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	c.mu.Lock()
	if len(c.lines) != 1 || string(c.lines[0].Payload) != `{"type":"user"}` {
		t.Fatalf("echoed lines = %+v", c.lines)
	}
	c.mu.Unlock()

	s.Terminate()
	c.waitExit(t)

	if s.Write("late") {
		t.Error("write after death succeeded")
	}
	if s.Alive() {
		t.Error("terminated process reports alive")
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	c := newCollector()
	s := Spawn("cat", nil, t.TempDir(), nil, c.callbacks(), nil)

	s.Terminate()
	s.Terminate()
	c.waitExit(t)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.exits) != 1 {
		t.Errorf("OnExit fired %d times, want exactly once", len(c.exits))
	}
}

func TestInterruptSignalsProcess(t *testing.T) {
	c := newCollector()
	s := Spawn("sleep", []string{"30"}, t.TempDir(), nil, c.callbacks(), nil)

	time.Sleep(100 * time.Millisecond)
	if !s.Interrupt() {
		t.Fatal("interrupt on live process failed")
	}
	c.waitExit(t)

	if s.Interrupt() {
		t.Error("interrupt after death succeeded")
	}
}
