// Package ingest runs the ingestion loop: load the checkpoint, then fetch,
// persist and checkpoint pages one after another until the stream ends or
// the process is asked to stop.
//
// A page's checkpoint is only advanced after its events were persisted. A
// crash in between re-fetches the same page on restart; sinks absorb the
// duplicates. Shutdown (context cancellation) is honoured between pages
// and during waits, never while a page is being persisted.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/Sternrassler/datasync-ingestor/pkg/checkpoint"
	"github.com/Sternrassler/datasync-ingestor/pkg/client"
	"github.com/Sternrassler/datasync-ingestor/pkg/event"
	"github.com/Sternrassler/datasync-ingestor/pkg/logging"
	"github.com/Sternrassler/datasync-ingestor/pkg/pagination"
	"github.com/Sternrassler/datasync-ingestor/pkg/sink"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	eventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_events_ingested_total",
		Help: "Total events persisted by the ingestion loop",
	})

	loopRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_loop_recoveries_total",
		Help: "Total non-terminal failures the loop recovered from",
	})
)

// ErrStopped is returned by Run when the context was cancelled. It marks a
// clean shutdown, not a failure.
var ErrStopped = errors.New("ingestion stopped")

// Config configures a Loop.
type Config struct {
	Fetcher pagination.PageFetcher
	Store   checkpoint.Store

	// Sink receives every batch. When it is also Store and implements
	// checkpoint.Committer, events and checkpoint are written together
	// and Store.Save is not used.
	Sink sink.Sink

	// Refresher extends the expiry of the resumed cursor. Optional.
	Refresher client.CursorRefresher

	// Interval is the minimum spacing between page fetches.
	Interval time.Duration

	// RecoveryInterval is the pause after a non-terminal failure.
	RecoveryInterval time.Duration

	// IdleInterval is the pause before polling an exhausted stream again
	// in continuous mode.
	IdleInterval time.Duration

	// Continuous keeps polling after the stream ended. Termination
	// signals only trigger an idle wait; TargetEvents is ignored.
	Continuous bool

	Termination pagination.Config

	Sleep  client.Sleeper
	Logger *zerolog.Logger
}

// DefaultConfig returns defaults for the loop's timing and termination.
func DefaultConfig() Config {
	return Config{
		Interval:         6 * time.Second,
		RecoveryInterval: 5 * time.Second,
		IdleInterval:     5 * time.Second,
		Termination:      pagination.DefaultConfig(),
	}
}

// Loop is the ingestion loop. It is single-use: call Run once.
type Loop struct {
	config     Config
	fetcher    pagination.PageFetcher
	store      checkpoint.Store
	sink       sink.Sink
	committer  checkpoint.Committer
	terminator *pagination.Terminator
	sleep      client.Sleeper
	now        func() time.Time
	logger     zerolog.Logger

	mu       sync.RWMutex
	progress Progress
	loaded   bool
}

// New validates cfg and creates a loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.Interval < 0 || cfg.RecoveryInterval < 0 || cfg.IdleInterval < 0 {
		return nil, fmt.Errorf("intervals must not be negative")
	}
	if cfg.Sleep == nil {
		cfg.Sleep = client.SleepContext
	}

	logger := log.With().Str("component", "ingest-loop").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "ingest-loop").Logger()
	}

	if cfg.Continuous && cfg.Termination.TargetEvents > 0 {
		logger.Warn().
			Int64("target", cfg.Termination.TargetEvents).
			Msg("Target event count is ignored in continuous mode")
		cfg.Termination.TargetEvents = 0
	}

	l := &Loop{
		config:     cfg,
		fetcher:    cfg.Fetcher,
		store:      cfg.Store,
		sink:       cfg.Sink,
		terminator: pagination.NewTerminator(cfg.Termination),
		sleep:      cfg.Sleep,
		now:        time.Now,
		logger:     logger,
	}
	// Commit is only used when the sink is also the configured store;
	// any other store is written with Save after the sink.
	if c, ok := cfg.Sink.(checkpoint.Committer); ok && sameBackend(cfg.Sink, cfg.Store) {
		l.committer = c
	}
	l.progress.State = StateStarting
	return l, nil
}

// sameBackend reports whether the sink and the store are one value.
func sameBackend(s sink.Sink, st checkpoint.Store) bool {
	a, b := any(s), any(st)
	if reflect.TypeOf(a) != reflect.TypeOf(b) || !reflect.TypeOf(a).Comparable() {
		return false
	}
	return a == b
}

// Progress returns a snapshot of the loop's progress.
func (l *Loop) Progress() Progress {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p := l.progress
	p.EventsPerSecond = p.rate(l.now())
	return p
}

// Ready reports whether the checkpoint has been loaded.
func (l *Loop) Ready() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded
}

// Run executes the loop until the stream ends (nil), ctx is cancelled
// (ErrStopped) or a terminal error occurs.
func (l *Loop) Run(ctx context.Context) error {
	start := l.now()
	l.update(func(p *Progress) { p.StartedAt = start })

	cursor, err := l.resume(ctx)
	if err != nil {
		l.setState(StateStopped)
		return err
	}

	l.logger.Info().
		Str("cursor", logging.Abbrev(cursor)).
		Bool("continuous", l.config.Continuous).
		Int64("target", l.config.Termination.TargetEvents).
		Bool("stop_on_short_page", l.config.Termination.StopOnShortPage).
		Msg("Starting ingestion")

	err = l.loop(ctx, cursor)
	l.setState(StateStopped)

	p := l.Progress()
	evt := l.logger.Info()
	if err != nil && !errors.Is(err, ErrStopped) {
		evt = l.logger.Error().Err(err)
	}
	evt.Int64("events", p.Events).
		Int64("batches", p.Batches).
		Int64("resets", p.Resets).
		Float64("events_per_second", p.EventsPerSecond).
		Dur("duration", l.now().Sub(start)).
		Msg("Ingestion finished")
	return err
}

// resume loads the checkpoint and refreshes its cursor.
func (l *Loop) resume(ctx context.Context) (string, error) {
	cp, err := l.store.Load(ctx)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		l.logger.Info().Msg("No checkpoint found, starting from the beginning")
		l.update(func(p *Progress) { p.State = StateRunning })
		l.markLoaded()
		return "", nil
	case err != nil:
		return "", fmt.Errorf("load checkpoint: %w", err)
	}

	cursor := cp.Cursor
	if cursor != "" && l.config.Refresher != nil {
		cursor = l.config.Refresher.Refresh(cursor)
	}
	l.logger.Info().
		Str("cursor", logging.Abbrev(cp.Cursor)).
		Int64("total", cp.TotalEvents).
		Time("updated_at", cp.UpdatedAt).
		Bool("legacy", cp.Legacy).
		Msg("Resuming from checkpoint")

	l.update(func(p *Progress) {
		p.State = StateRunning
		p.Cursor = logging.Abbrev(cursor)
		p.CheckpointTotal = cp.TotalEvents
		p.LastCheckpoint = cp.UpdatedAt
	})
	l.markLoaded()
	return cursor, nil
}

func (l *Loop) loop(ctx context.Context, cursor string) error {
	var runEvents int64

	for {
		if ctx.Err() != nil {
			l.logger.Info().Msg("Shutdown requested, stopping before next fetch")
			return ErrStopped
		}

		pageStart := l.now()
		batch, err := l.fetcher.FetchPage(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return ErrStopped
			}
			if client.IsTerminal(err) {
				return fmt.Errorf("terminal fetch error: %w", err)
			}
			if err := l.recoverFrom(ctx, "fetch", err); err != nil {
				return err
			}
			continue
		}

		if batch.Reset {
			l.logger.Warn().
				Str("rejected_cursor", logging.Abbrev(cursor)).
				Msg("Cursor was rejected, ingestion restarted from the beginning")
			l.update(func(p *Progress) { p.Resets++ })
		}

		if pagination.Empty(batch) {
			if !l.config.Continuous {
				l.logger.Info().Str("reason", string(pagination.ReasonEmpty)).Msg("Stream exhausted")
				return nil
			}
			if err := l.idle(ctx, pagination.ReasonEmpty); err != nil {
				return err
			}
			continue
		}

		adv := checkpoint.Advance{Cursor: batch.Cursor, Events: len(batch.Events)}
		if err := l.persist(ctx, batch, adv); err != nil {
			if err := l.recoverFrom(ctx, "persist", err); err != nil {
				return err
			}
			continue
		}

		if batch.Cursor != "" {
			cursor = batch.Cursor
		}
		runEvents += int64(len(batch.Events))
		eventsIngested.Add(float64(len(batch.Events)))
		l.recordBatch(batch, cursor)

		if reason := l.terminator.Check(batch, runEvents); reason != pagination.Continue {
			if !l.config.Continuous {
				l.logger.Info().
					Str("reason", string(reason)).
					Int64("events", runEvents).
					Msg("Stream exhausted")
				return nil
			}
			if err := l.idle(ctx, reason); err != nil {
				return err
			}
			continue
		}

		// Inter-page throttle on top of the client's own rate-limit handling.
		if wait := l.config.Interval - l.now().Sub(pageStart); wait > 0 {
			l.logger.Debug().Dur("delay", wait).Msg("Throttling before next page")
			if err := l.sleep(ctx, wait); err != nil {
				return ErrStopped
			}
		}
	}
}

// persist writes the batch and advances the checkpoint. It runs detached
// from ctx so shutdown never leaves a half-persisted batch.
func (l *Loop) persist(ctx context.Context, batch *event.Batch, adv checkpoint.Advance) error {
	ctx = context.WithoutCancel(ctx)

	if l.committer != nil {
		if err := l.committer.Commit(ctx, batch.Events, adv); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
		return nil
	}

	if len(batch.Events) > 0 {
		if err := l.sink.Write(ctx, batch.Events); err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
	}
	if err := l.store.Save(ctx, adv); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// recoverFrom logs a non-terminal failure and waits before the next attempt.
// The cursor is left untouched so the same page is fetched again.
func (l *Loop) recoverFrom(ctx context.Context, stage string, err error) error {
	loopRecoveries.Inc()
	l.logger.Error().
		Err(err).
		Str("stage", stage).
		Str("error_class", string(client.ClassOf(err))).
		Dur("delay", l.config.RecoveryInterval).
		Msg("Ingestion attempt failed, retrying")

	l.update(func(p *Progress) {
		p.State = StateRecovering
		p.LastError = err.Error()
	})
	if err := l.sleep(ctx, l.config.RecoveryInterval); err != nil {
		return ErrStopped
	}
	l.setState(StateRunning)
	return nil
}

// idle waits before polling an ended stream again.
func (l *Loop) idle(ctx context.Context, reason pagination.Reason) error {
	l.logger.Debug().
		Str("reason", string(reason)).
		Dur("delay", l.config.IdleInterval).
		Msg("Stream caught up, waiting for new events")
	l.setState(StateIdle)
	if err := l.sleep(ctx, l.config.IdleInterval); err != nil {
		return ErrStopped
	}
	l.setState(StateRunning)
	return nil
}

func (l *Loop) recordBatch(batch *event.Batch, cursor string) {
	now := l.now()
	l.update(func(p *Progress) {
		p.State = StateRunning
		p.Events += int64(len(batch.Events))
		p.Batches++
		p.CheckpointTotal += int64(len(batch.Events))
		p.Cursor = logging.Abbrev(cursor)
		p.LastCheckpoint = now
		p.LastError = ""
	})

	p := l.Progress()
	l.logger.Info().
		Int("events", len(batch.Events)).
		Int64("total", p.Events).
		Int64("batches", p.Batches).
		Float64("events_per_second", p.EventsPerSecond).
		Str("cursor", p.Cursor).
		Msg("Batch persisted")
}

func (l *Loop) update(fn func(p *Progress)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.progress)
}

func (l *Loop) setState(s State) {
	l.update(func(p *Progress) { p.State = s })
}

func (l *Loop) markLoaded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = true
}
