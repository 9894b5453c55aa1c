package session

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/vincent-163/claude-code-multi/internal/domain/envelope"
)

// FileSink is the durable write side of an event log. Satisfied by
// *logfile.File; kept as an interface so tests can capture writes.
type FileSink interface {
	Append(env envelope.Envelope) error
}

// SubscriberFunc receives envelopes in sequence order. It runs on the
// append path and must not block; slow work belongs on the subscriber's
// own queue. A panicking subscriber is isolated and logged, never allowed
// to abort delivery to other subscribers or corrupt the log.
type SubscriberFunc func(env envelope.Envelope)

// Subscription is a live registration handle.
type Subscription struct {
	id  uint64
	log *EventLog
}

// Cancel removes the subscription. Safe to call during delivery and more
// than once.
func (s *Subscription) Cancel() {
	s.log.unsubscribe(s.id)
}

type subscriber struct {
	id uint64
	fn SubscriberFunc
}

// EventLog is the ordered, bounded-memory, replayable record of everything
// a session has said or been told. The in-memory buffer is recency-bounded;
// the file sink is complete. The two are deliberately decoupled: eviction
// shrinks replay depth from memory, never the durable record.
type EventLog struct {
	capacity int
	log      *slog.Logger

	// deliverMu serializes delivery so subscribers observe envelopes in
	// sequence order. Acquired before mu; subscriber callbacks may call
	// Subscribe/Cancel (which take only mu) without deadlocking.
	deliverMu sync.Mutex

	mu      sync.Mutex
	buf     []envelope.Envelope
	nextSeq uint64
	subs    []subscriber
	nextSub uint64
	file    FileSink
}

// NewEventLog creates an event log with the given ring-buffer capacity.
func NewEventLog(capacity int, log *slog.Logger) *EventLog {
	if capacity < 1 {
		capacity = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &EventLog{
		capacity: capacity,
		log:      log,
		nextSeq:  1,
	}
}

// SetFile attaches the durable sink. Every subsequent append is written
// through synchronously before subscriber delivery.
func (l *EventLog) SetFile(f FileSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.file = f
}

// DetachFile stops durable writes, used when the owning session releases
// its file handle.
func (l *EventLog) DetachFile() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.file = nil
}

// Append assigns the next sequence number, timestamps the envelope,
// buffers it, persists it, and delivers it to every current subscriber in
// registration order.
func (l *EventLog) Append(kind envelope.Kind, payload json.RawMessage) envelope.Envelope {
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()

	l.mu.Lock()
	env := envelope.New(l.nextSeq, kind, payload)
	l.nextSeq++

	l.buf = append(l.buf, env)
	if len(l.buf) > l.capacity {
		l.buf = l.buf[len(l.buf)-l.capacity:]
	}

	if l.file != nil {
		if err := l.file.Append(env); err != nil {
			l.log.Error("durable append failed", "seq", env.Seq, "error", err)
		}
	}

	snapshot := l.subs
	l.mu.Unlock()

	for _, sub := range snapshot {
		l.deliver(sub, env)
	}
	return env
}

func (l *EventLog) deliver(sub subscriber, env envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("subscriber panicked", "seq", env.Seq, "panic", r)
		}
	}()
	sub.fn(env)
}

// History returns up to n most-recent envelopes from the in-memory buffer
// in ascending sequence order.
func (l *EventLog) History(n int) []envelope.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || len(l.buf) == 0 {
		return nil
	}
	if n > len(l.buf) {
		n = len(l.buf)
	}
	out := make([]envelope.Envelope, n)
	copy(out, l.buf[len(l.buf)-n:])
	return out
}

// LastSeq returns the highest sequence number assigned so far, zero when
// the log is empty.
func (l *EventLog) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

// Subscribe registers fn for every envelope appended from now on. A
// subscriber registered during delivery does not receive the envelope
// being delivered.
func (l *EventLog) Subscribe(fn SubscriberFunc) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribeLocked(fn)
}

func (l *EventLog) subscribeLocked(fn SubscriberFunc) *Subscription {
	l.nextSub++
	id := l.nextSub

	// Copy-on-write so in-flight delivery snapshots are unaffected.
	subs := make([]subscriber, len(l.subs), len(l.subs)+1)
	copy(subs, l.subs)
	l.subs = append(subs, subscriber{id: id, fn: fn})

	return &Subscription{id: id, log: l}
}

// SubscribeAfter atomically replays every buffered envelope with a
// sequence number greater than afterSeq to fn, then registers it live.
// Jointly with the buffer this guarantees a reconnecting client sees each
// envelope exactly once: nothing between replay and registration can slip
// through, because appends are excluded for the duration.
func (l *EventLog) SubscribeAfter(afterSeq uint64, fn SubscriberFunc) *Subscription {
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()

	l.mu.Lock()
	var missed []envelope.Envelope
	for _, env := range l.buf {
		if env.Seq > afterSeq {
			missed = append(missed, env)
		}
	}
	sub := l.subscribeLocked(fn)
	l.mu.Unlock()

	for _, env := range missed {
		l.deliver(subscriber{id: sub.id, fn: fn}, env)
	}
	return sub
}

func (l *EventLog) unsubscribe(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	subs := make([]subscriber, 0, len(l.subs))
	for _, sub := range l.subs {
		if sub.id != id {
			subs = append(subs, sub)
		}
	}
	l.subs = subs
}

// LoadFrom rehydrates the buffer from previously persisted envelopes and
// restores the sequence counter so the next append continues without
// collision. Only the most recent capacity-many envelopes are retained.
func (l *EventLog) LoadFrom(envs []envelope.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var maxSeq uint64
	for _, env := range envs {
		if env.Seq > maxSeq {
			maxSeq = env.Seq
		}
	}

	start := 0
	if len(envs) > l.capacity {
		start = len(envs) - l.capacity
	}
	l.buf = make([]envelope.Envelope, len(envs)-start)
	copy(l.buf, envs[start:])
	l.nextSeq = maxSeq + 1
}
