package typing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), ttl)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, s
}

func TestRedisSetAndActive(t *testing.T) {
	store, _ := setupTestRedis(t, 5*time.Second)
	ctx := context.Background()

	if _, err := store.Set(ctx, "room-1", 2); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := store.Set(ctx, "room-1", 1); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := store.Set(ctx, "room-2", 3); err != nil {
		t.Fatalf("Set: %v", err)
	}

	active, err := store.Active(ctx, "room-1")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 2 || active[0].UserID != 1 || active[1].UserID != 2 {
		t.Fatalf("unexpected active typers %+v", active)
	}
}

func TestRedisEntriesExpire(t *testing.T) {
	store, s := setupTestRedis(t, 5*time.Second)
	ctx := context.Background()

	if _, err := store.Set(ctx, "room-1", 2); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s.FastForward(6 * time.Second)

	active, err := store.Active(ctx, "room-1")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected indicator to expire, got %+v", active)
	}
}

func TestRedisClear(t *testing.T) {
	store, _ := setupTestRedis(t, 5*time.Second)
	ctx := context.Background()

	store.Set(ctx, "room-1", 2)
	if err := store.Clear(ctx, "room-1", 2); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	active, _ := store.Active(ctx, "room-1")
	if len(active) != 0 {
		t.Fatalf("expected no typers after clear, got %+v", active)
	}
}

func TestMemoryStoreExpires(t *testing.T) {
	store := NewMemoryStore(5 * time.Second)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	store.Set(context.Background(), "room-1", 4)
	active, _ := store.Active(context.Background(), "room-1")
	if len(active) != 1 {
		t.Fatalf("expected one typer, got %d", len(active))
	}

	now = now.Add(6 * time.Second)
	active, _ = store.Active(context.Background(), "room-1")
	if len(active) != 0 {
		t.Fatalf("expected typer to expire, got %+v", active)
	}
}
