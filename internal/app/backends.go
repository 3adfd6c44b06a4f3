package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/datasync-ingestor/internal/config"
	"github.com/Sternrassler/datasync-ingestor/internal/server"
	"github.com/Sternrassler/datasync-ingestor/pkg/checkpoint"
	"github.com/Sternrassler/datasync-ingestor/pkg/sink"
	"github.com/Sternrassler/datasync-ingestor/pkg/sqlstore"
	"github.com/redis/go-redis/v9"
)

// pingTimeout bounds the connection check of a freshly opened backend.
const pingTimeout = 5 * time.Second

// Backends holds the shared connections a configuration needs. Redis is
// nil without a redis url; SQL is nil unless the sink is a database.
type Backends struct {
	Config *config.Config
	Redis  *redis.Client
	SQL    *sqlstore.Store
}

// OpenBackends connects Redis and the SQL database when configured.
func OpenBackends(ctx context.Context, cfg *config.Config) (*Backends, error) {
	b := &Backends{Config: cfg}

	if cfg.Redis.URL != "" {
		opts, err := redisOptions(cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		rdb := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		b.Redis = rdb
	}

	if cfg.SQLSink() {
		store, err := sqlstore.Open(ctx, sqlstore.Config{
			Driver:    sqlDriver(cfg.Sink.Backend),
			DSN:       cfg.Database.URL,
			ServiceID: cfg.Ingest.ServiceID,
			MaxConns:  cfg.Database.MaxConns,
		})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.SQL = store
	}
	return b, nil
}

// CheckpointStore returns the configured checkpoint store.
func (b *Backends) CheckpointStore() (checkpoint.Store, error) {
	cfg := b.Config
	switch cfg.Checkpoint.Backend {
	case config.CheckpointFile:
		return checkpoint.NewFileStore(cfg.Checkpoint.File)
	case config.CheckpointRedis:
		if b.Redis == nil {
			return nil, fmt.Errorf("checkpoint backend %q needs a redis connection", cfg.Checkpoint.Backend)
		}
		return checkpoint.NewRedisStore(b.Redis, cfg.Ingest.ServiceID)
	case config.CheckpointSQL:
		if b.SQL == nil {
			return nil, fmt.Errorf("checkpoint backend %q needs a sql sink", cfg.Checkpoint.Backend)
		}
		return b.SQL, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

// openSink creates the configured sink. A SQL sink is the shared store.
func (b *Backends) openSink(ctx context.Context) (sink.Sink, error) {
	cfg := b.Config
	switch cfg.Sink.Backend {
	case config.SinkFile:
		return sink.NewFileSink(sink.FileConfig{
			Path:          cfg.Sink.OutputFile,
			HighWaterMark: cfg.Sink.HighWaterMark,
			DedupeWindow:  2 * cfg.Ingest.BatchSize,
		})
	case config.SinkPostgres, config.SinkSQLite:
		if b.SQL == nil {
			return nil, fmt.Errorf("sink %q needs a database connection", cfg.Sink.Backend)
		}
		return b.SQL, nil
	case config.SinkNATS:
		return sink.NewNATSSink(ctx, sink.NATSConfig{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
		})
	case config.SinkS3:
		return sink.NewS3Sink(ctx, sink.S3Config{
			Bucket:   cfg.S3.Bucket,
			Prefix:   cfg.S3.Prefix,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
		})
	default:
		return nil, fmt.Errorf("unknown sink backend %q", cfg.Sink.Backend)
	}
}

// Checks returns readiness probes for the open connections.
func (b *Backends) Checks() []server.Check {
	var checks []server.Check
	if b.Redis != nil {
		checks = append(checks, server.Check{
			Name: "redis",
			Fn:   func(ctx context.Context) error { return b.Redis.Ping(ctx).Err() },
		})
	}
	if b.SQL != nil {
		checks = append(checks, server.Check{Name: "database", Fn: b.SQL.Ping})
	}
	return checks
}

// Close closes every open connection.
func (b *Backends) Close() error {
	var errs []error
	if b.SQL != nil {
		if err := b.SQL.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if b.Redis != nil {
		if err := b.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Migrate applies the schema migrations of the configured SQL sink.
func Migrate(ctx context.Context, cfg *config.Config) error {
	if !cfg.SQLSink() {
		return fmt.Errorf("sink %q has no schema to migrate", cfg.Sink.Backend)
	}
	b, err := OpenBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	return b.SQL.Migrate(ctx)
}
