// Package nats mirrors session envelopes onto NATS JetStream so that
// out-of-process consumers can tail sessions without holding an HTTP
// connection open.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vincent-163/claude-code-multi/internal/domain/envelope"
)

const (
	streamName    = "CCMULTI_SESSIONS"
	subjectPrefix = "sessions.events."
)

// Mirror implements the eventsink port over NATS JetStream. One subject
// per session: sessions.events.<session_id>.
type Mirror struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the JetStream
// stream exists.
func Connect(ctx context.Context, url string) (*Mirror, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"sessions.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Mirror{nc: nc, js: js}, nil
}

// Name identifies this sink in logs.
func (m *Mirror) Name() string { return "nats" }

// Append publishes one envelope to the session's subject. The envelope
// sequence number is set as the message id so JetStream deduplicates
// redelivery within its dedup window.
func (m *Mirror) Append(ctx context.Context, sessionID string, env envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := subjectPrefix + sessionID
	_, err = m.js.Publish(ctx, subject, data,
		jetstream.WithMsgID(fmt.Sprintf("%s-%d", sessionID, env.Seq)))
	if err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (m *Mirror) Close() error {
	m.nc.Close()
	return nil
}
