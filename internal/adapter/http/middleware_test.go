package http

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

// hijackRecorder adds Hijack to httptest.ResponseRecorder so the
// logging wrapper can be tested on the WebSocket upgrade path.
type hijackRecorder struct {
	*httptest.ResponseRecorder
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return nil, nil, nil
}

func TestResponseWriterHijack(t *testing.T) {
	// The websocket adapter hijacks the connection through whatever the
	// logging middleware wrapped around it; the wrapper must delegate.
	inner := &hijackRecorder{httptest.NewRecorder()}
	rw := &responseWriter{ResponseWriter: inner, status: http.StatusOK}

	hj, ok := http.ResponseWriter(rw).(http.Hijacker)
	if !ok {
		t.Fatal("responseWriter does not implement http.Hijacker")
	}
	if _, _, err := hj.Hijack(); err != nil {
		t.Fatalf("Hijack: %v", err)
	}
}

func TestResponseWriterHijackWithoutUpstream(t *testing.T) {
	// When the underlying writer cannot hijack, the wrapper must surface
	// an error instead of panicking mid-upgrade.
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}

	hj, ok := http.ResponseWriter(rw).(http.Hijacker)
	if !ok {
		t.Fatal("responseWriter does not implement http.Hijacker")
	}
	if _, _, err := hj.Hijack(); err == nil {
		t.Fatal("expected error when upstream does not implement Hijacker")
	}
}

func TestResponseWriterFlush(t *testing.T) {
	// SSE streaming flushes after every envelope; the wrapper must pass
	// that through.
	inner := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: inner, status: http.StatusOK}

	f, ok := http.ResponseWriter(rw).(http.Flusher)
	if !ok {
		t.Fatal("responseWriter does not implement http.Flusher")
	}
	f.Flush()

	if !inner.Flushed {
		t.Fatal("flush not delegated to the underlying writer")
	}
}
