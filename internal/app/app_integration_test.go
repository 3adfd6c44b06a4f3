//go:build integration

package app

import (
	"context"
	"fmt"
	"testing"

	"github.com/Sternrassler/datasync-ingestor/internal/config"
	"github.com/Sternrassler/datasync-ingestor/internal/testutil"
	"github.com/Sternrassler/datasync-ingestor/pkg/credential"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing and returns
// its redis:// URL.
func setupRedis(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

// TestStreamModeWithRedis runs the stream-mode flow twice against one Redis:
// credential fetch → pages → checkpoint, then a restart that reuses the
// shared credential and resumes from the Redis checkpoint.
func TestStreamModeWithRedis(t *testing.T) {
	redisURL := setupRedis(t)

	api := testutil.NewMockAPI()
	defer api.Close()

	e := testutil.NewEvents(1, 4)
	api.Enqueue(testutil.PathStreamAccess, testutil.StreamAccess("tok-1", 300))
	api.Enqueue(testutil.PathStream,
		testutil.FlatPage(e[0:2], "c1", true),
		testutil.FlatPage(e[2:3], "c2", true),
		testutil.FlatPage(nil, "", false),
	)

	cfg := testConfig(t, api)
	cfg.API.Mode = config.ModeStream
	cfg.Checkpoint.Backend = config.CheckpointRedis
	cfg.Redis.URL = redisURL

	run := func() *App {
		t.Helper()
		a, err := New(context.Background(), cfg)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if err := a.Run(context.Background()); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		return a
	}

	first := run()
	cp, err := first.Store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cp.Cursor != "c2" || cp.TotalEvents != 3 {
		t.Errorf("checkpoint = %+v, want cursor c2 and 3 events", cp)
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	credKey := "ingest:credential:stream-access:origin=" + credential.Origin(api.BaseURL())
	if n, err := rdb.Exists(context.Background(), credKey).Result(); err != nil || n != 1 {
		t.Errorf("shared credential %s missing (n=%d, err=%v)", credKey, n, err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second := run()
	defer second.Close()

	if n := api.RequestCount(testutil.PathStreamAccess); n != 1 {
		t.Errorf("stream access requests = %d, want 1 (second run uses the shared credential)", n)
	}
	reqs := api.RequestsTo(testutil.PathStream)
	last := reqs[len(reqs)-1]
	if last.Cursor != "c2" {
		t.Errorf("resumed request cursor = %q, want c2", last.Cursor)
	}
	if last.StreamToken != "tok-1" {
		t.Errorf("resumed request token = %q, want tok-1", last.StreamToken)
	}
}
