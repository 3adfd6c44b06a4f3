// Package app turns a loaded configuration into a running ingestor: it
// connects the backends, builds the fetcher, checkpoint store and sink, and
// runs the ingestion loop next to the ops server.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/datasync-ingestor/internal/config"
	"github.com/Sternrassler/datasync-ingestor/internal/server"
	"github.com/Sternrassler/datasync-ingestor/pkg/cache"
	"github.com/Sternrassler/datasync-ingestor/pkg/checkpoint"
	"github.com/Sternrassler/datasync-ingestor/pkg/client"
	"github.com/Sternrassler/datasync-ingestor/pkg/credential"
	"github.com/Sternrassler/datasync-ingestor/pkg/cursor"
	"github.com/Sternrassler/datasync-ingestor/pkg/ingest"
	"github.com/Sternrassler/datasync-ingestor/pkg/logging"
	"github.com/Sternrassler/datasync-ingestor/pkg/pagination"
	"github.com/Sternrassler/datasync-ingestor/pkg/ratelimit"
	"github.com/Sternrassler/datasync-ingestor/pkg/sink"
	"github.com/Sternrassler/datasync-ingestor/pkg/sqlstore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// shutdownTimeout bounds the ops server drain after the loop returned.
const shutdownTimeout = 10 * time.Second

// App is a fully wired ingestor.
type App struct {
	Config *config.Config
	Client *client.Client
	Store  checkpoint.Store
	Sink   sink.Sink
	Loop   *ingest.Loop

	backends *Backends
	logger   zerolog.Logger
}

// New connects every configured backend and builds the loop. SQL schemas
// are migrated before the loop is created.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	b, err := OpenBackends(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a, err := build(ctx, cfg, b)
	if err != nil {
		b.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg *config.Config, b *Backends) (*App, error) {
	if b.SQL != nil {
		if err := b.SQL.Migrate(ctx); err != nil {
			return nil, err
		}
	}

	c, err := NewClient(cfg, b.Redis)
	if err != nil {
		return nil, err
	}

	store, err := b.CheckpointStore()
	if err != nil {
		return nil, err
	}

	out, err := b.openSink(ctx)
	if err != nil {
		return nil, err
	}

	logger := log.Logger
	loop, err := ingest.New(ingest.Config{
		Fetcher:          c,
		Store:            store,
		Sink:             out,
		Refresher:        cursor.New(cfg.Cursor.ExtendBy),
		Interval:         cfg.Ingest.Interval,
		RecoveryInterval: cfg.Ingest.RecoveryInterval,
		IdleInterval:     cfg.Ingest.IdleInterval,
		Continuous:       cfg.Ingest.Continuous,
		Termination: pagination.Config{
			StopOnExplicitEnd: true,
			StopOnShortPage:   cfg.Ingest.StopOnShortPage,
			TargetEvents:      cfg.Ingest.TargetEventCount,
		},
		Logger: &logger,
	})
	if err != nil {
		// The SQL sink is closed with the backends.
		if b.SQL == nil {
			out.Close()
		}
		return nil, fmt.Errorf("create ingest loop: %w", err)
	}

	return &App{
		Config:   cfg,
		Client:   c,
		Store:    store,
		Sink:     out,
		Loop:     loop,
		backends: b,
		logger:   logging.NewLogger("app"),
	}, nil
}

// NewClient builds the DataSync client. redisClient is optional; when set
// it shares stream credentials and the rate-limit window across restarts.
func NewClient(cfg *config.Config, redisClient *redis.Client) (*client.Client, error) {
	cc := client.DefaultConfig(cfg.API.BaseURL, cfg.API.Key)
	cc.Mode = client.Mode(cfg.API.Mode)
	cc.BatchSize = cfg.Ingest.BatchSize
	cc.Timeout = cfg.API.Timeout
	cc.UserAgent = cfg.API.UserAgent
	cc.Policy = client.Policy{
		ServerErrorDelay:  cfg.Retry.ServerErrorDelay,
		RateLimitFallback: cfg.Retry.RateLimitFallback,
		RateLimitBuffer:   cfg.Retry.RateLimitBuffer,
	}
	cc.RateLimiter = ratelimit.NewTracker(redisClient, logging.NewLogger("rate-limit"))
	cc.Cursors = cursor.New(cfg.Cursor.ExtendBy)

	if cc.Mode == client.ModeStream {
		credCfg := credential.Config{
			BaseURL:      cfg.API.BaseURL,
			APIKey:       cfg.API.Key,
			UserAgent:    cfg.API.UserAgent,
			RefreshAfter: cfg.Credential.RefreshAfter,
		}
		if redisClient != nil {
			credCfg.Cache = cache.NewManager(redisClient)
		}
		creds, err := credential.NewManager(credCfg)
		if err != nil {
			return nil, fmt.Errorf("create credential manager: %w", err)
		}
		cc.Credentials = creds
	}

	c, err := client.New(cc)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return c, nil
}

// Run runs the loop until it ends, serving the ops endpoints meanwhile. A
// shutdown through ctx is not an error.
func (a *App) Run(ctx context.Context) error {
	var srv *server.Server
	if a.Config.Server.Addr != "" {
		srv = server.New(a.Config.Server.Addr, a.Loop, a.backends.Checks()...)
		if err := srv.Start(); err != nil {
			return err
		}
	}

	err := a.Loop.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			a.logger.Warn().Err(serr).Msg("Ops server did not shut down cleanly")
		}
	}

	if errors.Is(err, ingest.ErrStopped) {
		a.logger.Info().Msg("Shutdown complete")
		return nil
	}
	return err
}

// Close flushes the sink and releases every backend connection.
func (a *App) Close() error {
	var errs []error
	// The SQL sink is closed with the backends.
	if a.backends.SQL == nil {
		if err := a.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}
	if err := a.backends.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// sqlDriver maps a SQL sink backend to its database/sql driver name.
func sqlDriver(backend string) string {
	if backend == config.SinkSQLite {
		return sqlstore.DriverSQLite
	}
	return sqlstore.DriverPostgres
}

// redisOptions accepts either a redis:// URL or a bare host:port.
func redisOptions(raw string) (*redis.Options, error) {
	if strings.Contains(raw, "://") {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: raw}, nil
}
