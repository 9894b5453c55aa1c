package ristretto_test

import (
	"context"
	"testing"
	"time"

	"github.com/vincent-163/claude-code-multi/internal/adapter/ristretto"
	"github.com/vincent-163/claude-code-multi/internal/port/cache"
)

func newCache(t *testing.T) cache.Cache {
	t.Helper()
	c, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// Ristretto applies writes asynchronously; wait until the value is
// observable before asserting on it.
func waitForKey(t *testing.T, c cache.Cache, key string) []byte {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		val, found, err := c.Get(context.Background(), key)
		if err != nil {
			t.Fatal(err)
		}
		if found {
			return val
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("key %q never became visible", key)
	return nil
}

func TestCache_SetAndGet(t *testing.T) {
	c := newCache(t)
	if err := c.Set(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if got := waitForKey(t, c, "k"); string(got) != "v" {
		t.Fatalf("expected v, got %s", got)
	}
}

func TestCache_GetMiss(t *testing.T) {
	c := newCache(t)
	_, found, err := c.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected miss for nonexistent key")
	}
}

func TestCache_Delete(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "del", []byte("v"), time.Minute)
	waitForKey(t, c, "del")

	if err := c.Delete(ctx, "del"); err != nil {
		t.Fatal(err)
	}
	_, found, err := c.Get(ctx, "del")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected miss after Delete")
	}
}

func TestCache_DeleteNonexistent(t *testing.T) {
	c := newCache(t)
	if err := c.Delete(context.Background(), "never-existed"); err != nil {
		t.Fatal("Delete of nonexistent key should not error")
	}
}

func TestCache_Overwrite(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "ow", []byte("v1"), time.Minute)
	waitForKey(t, c, "ow")
	_ = c.Set(ctx, "ow", []byte("v2"), time.Minute)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		val, found, _ := c.Get(ctx, "ow")
		if found && string(val) == "v2" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("overwrite never became visible")
}
