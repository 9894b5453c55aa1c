package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/vincent-163/claude-code-multi/internal/config"
	"github.com/vincent-163/claude-code-multi/internal/domain/envelope"
)

// testStore connects to PostgreSQL or skips the test if DATABASE_URL is
// not set. Migrations are applied on first use.
func testStore(t *testing.T) *EventStore {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	cfg := config.Defaults().Postgres
	cfg.DSN = dsn

	pool, err := NewPool(ctx, cfg)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	return NewEventStore(pool)
}

func TestEventStore_AppendAndLoad(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sessionID := "test-" + t.Name() + "-" + time.Now().Format("150405.000000")
	for i := 1; i <= 3; i++ {
		env := envelope.New(uint64(i), envelope.KindMessage, json.RawMessage(`{"type":"assistant"}`))
		if err := store.Append(ctx, sessionID, env); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	envs, err := store.LoadBySession(ctx, sessionID, 1, 10)
	if err != nil {
		t.Fatalf("LoadBySession: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("got %d envelopes after seq 1, want 2", len(envs))
	}
	if envs[0].Seq != 2 || envs[1].Seq != 3 {
		t.Errorf("sequence order wrong: %+v", envs)
	}
}

func TestEventStore_AppendIsIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sessionID := "test-" + t.Name() + "-" + time.Now().Format("150405.000000")
	env := envelope.New(1, envelope.KindStatus, json.RawMessage(`{"status":"ready"}`))

	if err := store.Append(ctx, sessionID, env); err != nil {
		t.Fatal(err)
	}
	// Redelivery of the same sequence number is a no-op.
	if err := store.Append(ctx, sessionID, env); err != nil {
		t.Fatalf("duplicate append: %v", err)
	}

	envs, err := store.LoadBySession(ctx, sessionID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 1 {
		t.Errorf("got %d envelopes after duplicate append, want 1", len(envs))
	}
}
