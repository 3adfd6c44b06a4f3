//go:build integration

package sqlstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Sternrassler/datasync-ingestor/internal/testutil"
	"github.com/Sternrassler/datasync-ingestor/pkg/checkpoint"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a PostgreSQL container and returns its DSN
func setupPostgres(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "ingest",
			"POSTGRES_PASSWORD": "ingest",
			"POSTGRES_DB":       "ingest",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://ingest:ingest@%s:%s/ingest?sslmode=disable", host, port.Port())
	cleanup := func() {
		container.Terminate(ctx)
	}
	return dsn, cleanup
}

func TestPostgres_Integration_Commit(t *testing.T) {
	dsn, cleanup := setupPostgres(t)
	defer cleanup()

	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: DriverPostgres, DSN: dsn, ServiceID: "main_ingestion_loop", MaxConns: 4})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	batch := testutil.NewEvents(0, 2500)
	for i := 0; i < 2; i++ {
		if err := s.Commit(ctx, batch, checkpoint.Advance{Cursor: "c1", Events: len(batch)}); err != nil {
			t.Fatalf("Commit() #%d error = %v", i+1, err)
		}
	}

	n, err := s.CountEvents(ctx)
	if err != nil {
		t.Fatalf("CountEvents() error = %v", err)
	}
	if n != 2500 {
		t.Errorf("stored events = %d, want 2500", n)
	}

	if err := s.Save(ctx, checkpoint.Advance{Events: 0}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	cp, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cp.Cursor != "c1" || cp.TotalEvents != 5000 {
		t.Errorf("Load() = cursor %q total %d, want c1 / 5000", cp.Cursor, cp.TotalEvents)
	}
}
