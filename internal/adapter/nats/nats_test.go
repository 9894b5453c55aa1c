package nats

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/vincent-163/claude-code-multi/internal/domain/envelope"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Mirror {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	m, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return m
}

func TestMirror_AppendAndConsume(t *testing.T) {
	m := testConnect(t)
	ctx := context.Background()

	// Unique session id per test run to avoid collisions.
	sessionID := "test-" + t.Name() + "-" + time.Now().Format("150405.000")

	want := envelope.New(1, envelope.KindMessage, json.RawMessage(`{"type":"system","subtype":"init"}`))
	if err := m.Append(ctx, sessionID, want); err != nil {
		t.Fatalf("Append: %v", err)
	}

	consumer, err := m.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subjectPrefix + sessionID,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		t.Fatalf("consumer create: %v", err)
	}

	msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	for msg := range msgs.Messages() {
		var got envelope.Envelope
		if err := json.Unmarshal(msg.Data(), &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Seq != want.Seq || got.Kind != want.Kind {
			t.Errorf("got seq=%d kind=%s, want seq=%d kind=%s", got.Seq, got.Kind, want.Seq, want.Kind)
		}
		_ = msg.Ack()
		return
	}
	t.Fatal("no message received")
}

func TestMirror_AppendDeduplicates(t *testing.T) {
	m := testConnect(t)
	ctx := context.Background()

	sessionID := "test-" + t.Name() + "-" + time.Now().Format("150405.000")
	env := envelope.New(7, envelope.KindStatus, json.RawMessage(`{"status":"ready"}`))

	// Same msg id twice: JetStream must keep a single copy.
	if err := m.Append(ctx, sessionID, env); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	if err := m.Append(ctx, sessionID, env); err != nil {
		t.Fatalf("second Append: %v", err)
	}

	stream, err := m.js.Stream(ctx, streamName)
	if err != nil {
		t.Fatalf("stream lookup: %v", err)
	}
	info, err := stream.Info(ctx, jetstream.WithSubjectFilter(subjectPrefix+sessionID))
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	if n := info.State.Subjects[subjectPrefix+sessionID]; n != 1 {
		t.Errorf("expected 1 message after duplicate publish, got %d", n)
	}
}
