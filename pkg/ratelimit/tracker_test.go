package ratelimit

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

// setupTestRedis creates a test Redis client.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestTracker_InMemory(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tracker := NewTracker(nil, testLogger())
	tracker.now = func() time.Time { return now }

	if d, err := tracker.Delay(ctx); err != nil || d != 0 {
		t.Fatalf("fresh tracker Delay() = %v, %v; want 0, nil", d, err)
	}

	h := http.Header{}
	h.Set(HeaderRemaining, "0")
	h.Set(HeaderReset, "20")
	if err := tracker.UpdateFromHeaders(ctx, h); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	d, err := tracker.Delay(ctx)
	if err != nil {
		t.Fatalf("Delay() error = %v", err)
	}
	if d != 20*time.Second {
		t.Errorf("Delay() = %v, want 20s", d)
	}
}

func TestTracker_BlockNeverShortens(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tracker := NewTracker(nil, testLogger())
	tracker.now = func() time.Time { return now }

	if err := tracker.Block(ctx, now.Add(10*time.Second)); err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	if err := tracker.Block(ctx, now.Add(2*time.Second)); err != nil {
		t.Fatalf("Block() error = %v", err)
	}

	d, _ := tracker.Delay(ctx)
	if d != 10*time.Second {
		t.Errorf("Delay() = %v, want 10s", d)
	}
}

func TestTracker_IgnoresResponsesWithoutHeaders(t *testing.T) {
	tracker := NewTracker(nil, testLogger())

	if err := tracker.UpdateFromHeaders(context.Background(), http.Header{}); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	state, err := tracker.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != UnknownRemaining {
		t.Errorf("Remaining = %d, want unknown", state.Remaining)
	}
}

func TestTracker_SharedThroughRedis(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	first := NewTracker(client, testLogger())
	until := time.Now().Add(30 * time.Second)
	if err := first.Block(ctx, until); err != nil {
		t.Fatalf("Block() error = %v", err)
	}

	// A second tracker stands in for a restarted process.
	second := NewTracker(client, testLogger())
	state, err := second.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.BlockedUntil.UnixMilli() != until.UnixMilli() {
		t.Errorf("BlockedUntil = %v, want %v", state.BlockedUntil, until)
	}

	d, err := second.Delay(ctx)
	if err != nil {
		t.Fatalf("Delay() error = %v", err)
	}
	if d <= 20*time.Second {
		t.Errorf("Delay() = %v, want close to 30s", d)
	}

	h := http.Header{}
	h.Set(HeaderRemaining, "7")
	h.Set(HeaderReset, "60")
	if err := first.UpdateFromHeaders(ctx, h); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}
	state, err = second.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != 7 {
		t.Errorf("shared Remaining = %d, want 7", state.Remaining)
	}
}
