package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer flushes and stops a handler at shutdown. The synchronous
// handler returns a no-op; the async one must be drained so the tail of
// a session's log records is not lost.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// AsyncHandler decouples log emission from the session hot paths (line
// scanning, envelope delivery) by queueing records to a worker pool.
// When the queue is full the record is dropped and counted rather than
// blocking a scanner goroutine.
type AsyncHandler struct {
	inner   slog.Handler
	queue   chan slog.Record
	wg      *sync.WaitGroup
	dropped *atomic.Int64
}

// NewAsyncHandler wraps inner with a record queue of the given capacity
// drained by the given number of workers.
func NewAsyncHandler(inner slog.Handler, queueSize, workers int) *AsyncHandler {
	h := &AsyncHandler{
		inner:   inner,
		queue:   make(chan slog.Record, queueSize),
		wg:      &sync.WaitGroup{},
		dropped: &atomic.Int64{},
	}
	for range workers {
		h.wg.Add(1)
		go h.drain()
	}
	return h
}

func (h *AsyncHandler) drain() {
	defer h.wg.Done()
	for rec := range h.queue {
		_ = h.inner.Handle(context.Background(), rec)
	}
}

// Enabled delegates to the inner handler so level filtering stays cheap
// and synchronous.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record, dropping it when the queue is full.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.queue <- rec:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// WithAttrs wraps the attributed inner handler; the queue, workers, and
// drop counter stay shared so per-session child loggers do not multiply
// goroutines.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{
		inner:   h.inner.WithAttrs(attrs),
		queue:   h.queue,
		wg:      h.wg,
		dropped: h.dropped,
	}
}

// WithGroup wraps the grouped inner handler, sharing queue and workers
// like WithAttrs.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{
		inner:   h.inner.WithGroup(name),
		queue:   h.queue,
		wg:      h.wg,
		dropped: h.dropped,
	}
}

// DroppedCount reports how many records were discarded on queue
// pressure.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.dropped.Load()
}

// Close stops accepting records and blocks until the workers have
// flushed everything already queued.
func (h *AsyncHandler) Close() {
	close(h.queue)
	h.wg.Wait()
}
