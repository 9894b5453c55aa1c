// Package eventstore defines the port for reading archived envelopes back
// out of long-term storage. The write side is the eventsink port; an
// archival backend typically implements both.
package eventstore

import (
	"context"

	"github.com/vincent-163/claude-code-multi/internal/domain/envelope"
)

// Store is the read port over the envelope archive.
type Store interface {
	// LoadBySession returns envelopes for the session with sequence
	// numbers greater than afterSeq, ascending, at most limit.
	LoadBySession(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]envelope.Envelope, error)
}
