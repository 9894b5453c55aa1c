// Package envelope defines the unit record of a session's event log.
package envelope

import (
	"encoding/json"
	"time"
)

// Kind discriminates what an envelope records. The payload itself is opaque
// to the core; only these tags are inspected.
type Kind string

const (
	// KindMessage is a raw protocol line from the child process's stdout.
	KindMessage Kind = "message"
	// KindStatus is a derived session status change.
	KindStatus Kind = "status"
	// KindInput is a line written to the child process's stdin.
	KindInput Kind = "input"
	// KindExit records the child process exit code or signal.
	KindExit Kind = "exit"
	// KindError records a spawn failure or stderr diagnostic.
	KindError Kind = "error"
)

// Envelope is one ordered, timestamped, tagged record in a session's log.
// Sequence numbers start at 1 and are strictly increasing and gapless
// within a session; once assigned they are never reused or reordered.
type Envelope struct {
	Seq       uint64          `json:"seq"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"ts"`
}

// New builds an envelope with the given sequence number, stamped now.
func New(seq uint64, kind Kind, payload json.RawMessage) Envelope {
	return Envelope{
		Seq:       seq,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	}
}

// RawText wraps a non-JSON line so it can still travel as a JSON payload.
// Malformed process output is degraded to this shape, never dropped.
func RawText(line string) json.RawMessage {
	data, err := json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "raw", Text: line})
	if err != nil {
		// Marshalling a two-field string struct cannot fail.
		return json.RawMessage(`{"type":"raw"}`)
	}
	return data
}
