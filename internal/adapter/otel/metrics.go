package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/vincent-163/claude-code-multi/internal/domain/envelope"
)

const meterName = "ccmulti"

// Metrics holds all ccmulti metric instruments.
type Metrics struct {
	SessionsCreated   metric.Int64Counter
	SessionsResumed   metric.Int64Counter
	SessionsDestroyed metric.Int64Counter
	Envelopes         metric.Int64Counter
	ProcessExits      metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.SessionsCreated, err = meter.Int64Counter("ccmulti.sessions.created",
		metric.WithDescription("Number of sessions created"))
	if err != nil {
		return nil, err
	}

	m.SessionsResumed, err = meter.Int64Counter("ccmulti.sessions.resumed",
		metric.WithDescription("Number of sessions resumed from durable logs"))
	if err != nil {
		return nil, err
	}

	m.SessionsDestroyed, err = meter.Int64Counter("ccmulti.sessions.destroyed",
		metric.WithDescription("Number of sessions destroyed"))
	if err != nil {
		return nil, err
	}

	m.Envelopes, err = meter.Int64Counter("ccmulti.envelopes",
		metric.WithDescription("Envelopes appended to session event logs"))
	if err != nil {
		return nil, err
	}

	m.ProcessExits, err = meter.Int64Counter("ccmulti.process.exits",
		metric.WithDescription("Child process exits"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Observer implements the eventsink port, counting envelopes by kind as
// they flow through the manager's sink queue.
type Observer struct {
	m *Metrics
}

// NewObserver creates the metrics sink over the given instruments.
func NewObserver(m *Metrics) *Observer {
	return &Observer{m: m}
}

// Name identifies this sink in logs.
func (o *Observer) Name() string { return "metrics" }

// Append counts one envelope. Never fails.
func (o *Observer) Append(ctx context.Context, sessionID string, env envelope.Envelope) error {
	o.m.Envelopes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(env.Kind)),
	))
	if env.Kind == envelope.KindExit {
		o.m.ProcessExits.Add(ctx, 1)
	}
	return nil
}
