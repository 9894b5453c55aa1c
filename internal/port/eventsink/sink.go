// Package eventsink defines the port for secondary envelope consumers.
// The durable per-session log file is the primary record; sinks receive a
// copy of every envelope for archival or fan-out beyond the process.
package eventsink

import (
	"context"

	"github.com/vincent-163/claude-code-multi/internal/domain/envelope"
)

// Sink receives every envelope appended to any session's event log.
// Append is called in sequence order per session; implementations must
// tolerate redelivery gaps only at their own buffering boundaries.
type Sink interface {
	// Append records one envelope for the given session.
	Append(ctx context.Context, sessionID string, env envelope.Envelope) error

	// Name identifies the sink in logs and health reporting.
	Name() string
}
