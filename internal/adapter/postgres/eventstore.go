package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vincent-163/claude-code-multi/internal/domain/envelope"
)

// EventStore is the append-only envelope archive. It implements both the
// eventsink write port and the eventstore read port: the archive outlives
// the in-memory buffer and survives durable log file deletion.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Name identifies this sink in logs.
func (s *EventStore) Name() string { return "postgres" }

// Append inserts one envelope. Redelivery of an already-archived sequence
// number is a no-op rather than an error.
func (s *EventStore) Append(ctx context.Context, sessionID string, env envelope.Envelope) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO envelopes (session_id, seq, kind, payload, ts)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, seq) DO NOTHING`,
		sessionID, int64(env.Seq), string(env.Kind), []byte(env.Payload), env.Timestamp)
	if err != nil {
		return fmt.Errorf("append envelope: %w", err)
	}
	return nil
}

// LoadBySession returns envelopes with sequence numbers greater than
// afterSeq, ascending, at most limit.
func (s *EventStore) LoadBySession(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]envelope.Envelope, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, kind, payload, ts FROM envelopes
		 WHERE session_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		sessionID, int64(afterSeq), limit)
	if err != nil {
		return nil, fmt.Errorf("load envelopes for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	envs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (envelope.Envelope, error) {
		var (
			env     envelope.Envelope
			seq     int64
			kind    string
			payload []byte
		)
		if err := row.Scan(&seq, &kind, &payload, &env.Timestamp); err != nil {
			return env, err
		}
		env.Seq = uint64(seq)
		env.Kind = envelope.Kind(kind)
		env.Payload = payload
		return env, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan envelopes: %w", err)
	}
	return envs, nil
}
