// Package sqlstore persists ingested events and the ingestion checkpoint in
// a SQL database (PostgreSQL through pgx, or SQLite).
//
// A Store is both the event sink and the checkpoint store. Commit writes a
// batch and advances the checkpoint in one transaction, so a crash between
// the two can never happen. Event inserts are idempotent on the event id.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/datasync-ingestor/pkg/checkpoint"
	"github.com/Sternrassler/datasync-ingestor/pkg/event"
	"github.com/Sternrassler/datasync-ingestor/pkg/logging"
	"github.com/Sternrassler/datasync-ingestor/pkg/metrics"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Supported database/sql driver names.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// eventColumns is the number of bind parameters per inserted event.
const eventColumns = 7

// DefaultChunkSize keeps a multi-row insert under the bind parameter
// limits of both drivers (65535 for PostgreSQL, 32766 for SQLite).
const DefaultChunkSize = 1000

// Config configures Open.
type Config struct {
	Driver    string
	DSN       string
	ServiceID string

	// MaxConns caps open connections. SQLite always uses one.
	MaxConns int
}

// Store is a SQL-backed sink and checkpoint store.
type Store struct {
	db        *sqlx.DB
	serviceID string
	backend   string
	chunkSize int
	now       func() time.Time
	logger    zerolog.Logger
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if _, err := dialect(cfg.Driver); err != nil {
		return nil, err
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	switch {
	case cfg.Driver == DriverSQLite:
		db.SetMaxOpenConns(1)
	case cfg.MaxConns > 0:
		db.SetMaxOpenConns(cfg.MaxConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", cfg.Driver, err)
	}

	s, err := New(db, cfg.ServiceID)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open connection. The driver name of db selects the dialect.
func New(db *sqlx.DB, serviceID string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if serviceID == "" {
		return nil, fmt.Errorf("service id is required")
	}
	backend := metrics.BackendPostgres
	if db.DriverName() == DriverSQLite {
		backend = metrics.BackendSQLite
	}
	return &Store{
		db:        db,
		serviceID: serviceID,
		backend:   backend,
		chunkSize: DefaultChunkSize,
		now:       time.Now,
		logger: log.With().
			Str("component", "sqlstore").
			Str("backend", backend).
			Str("service_id", serviceID).
			Logger(),
	}, nil
}

// dialect maps a driver name to its goose dialect.
func dialect(driver string) (string, error) {
	switch driver {
	case DriverPostgres:
		return "postgres", nil
	case DriverSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q (want %q or %q)", driver, DriverPostgres, DriverSQLite)
	}
}

// Migrate applies the embedded migrations for the store's driver.
func (s *Store) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db.DB, s.db.DriverName())
}

// Migrate applies the embedded migrations for driver to db.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	d, err := dialect(driver)
	if err != nil {
		return err
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(d); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	dir := "migrations/postgres"
	if driver == DriverSQLite {
		dir = "migrations/sqlite"
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("migrate %s database: %w", driver, err)
	}
	return nil
}

// checkpointRow mirrors ingestion_checkpoints.
type checkpointRow struct {
	Cursor      sql.NullString `db:"cursor"`
	LastUpdated time.Time      `db:"last_updated"`
	Total       int64          `db:"total_events_ingested"`
}

// Load reads the checkpoint of the store's service id.
func (s *Store) Load(ctx context.Context) (*checkpoint.Checkpoint, error) {
	var row checkpointRow
	query := s.db.Rebind(`SELECT cursor, last_updated, total_events_ingested
		FROM ingestion_checkpoints WHERE service_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, s.serviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, checkpoint.ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &checkpoint.Checkpoint{
		Cursor:      row.Cursor.String,
		UpdatedAt:   row.LastUpdated,
		TotalEvents: row.Total,
	}, nil
}

// Save advances the checkpoint without writing events.
func (s *Store) Save(ctx context.Context, adv checkpoint.Advance) error {
	if err := s.upsertCheckpoint(ctx, s.db, adv); err != nil {
		return err
	}
	checkpoint.RecordSave(s.backend)
	return nil
}

// Write inserts events, skipping ids that are already stored.
func (s *Store) Write(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	start := time.Now()
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		return s.insertEvents(ctx, tx, events)
	})
	if err != nil {
		return err
	}
	metrics.ObserveSinkWrite(s.backend, start)
	return nil
}

// Commit inserts events and advances the checkpoint in one transaction.
func (s *Store) Commit(ctx context.Context, events []event.Event, adv checkpoint.Advance) error {
	start := time.Now()
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.insertEvents(ctx, tx, events); err != nil {
			return err
		}
		return s.upsertCheckpoint(ctx, tx, adv)
	})
	if err != nil {
		return err
	}

	metrics.ObserveSinkWrite(s.backend, start)
	checkpoint.RecordSave(s.backend)
	s.logger.Debug().
		Int("events", len(events)).
		Str("cursor", logging.Abbrev(adv.Cursor)).
		Msg("Batch committed")
	return nil
}

// Reset deletes the checkpoint. Stored events are kept.
func (s *Store) Reset(ctx context.Context) error {
	query := s.db.Rebind(`DELETE FROM ingestion_checkpoints WHERE service_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, s.serviceID); err != nil {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	s.logger.Info().Msg("Checkpoint reset")
	return nil
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM ingested_events`); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error().Err(rbErr).Msg("Rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) insertEvents(ctx context.Context, tx *sqlx.Tx, events []event.Event) error {
	for start := 0; start < len(events); start += s.chunkSize {
		end := min(start+s.chunkSize, len(events))
		query, args, err := buildInsert(events[start:end])
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("insert events %d-%d: %w", start, end-1, err)
		}
	}
	return nil
}

// buildInsert returns one multi-row insert for chunk.
func buildInsert(chunk []event.Event) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`INSERT INTO ingested_events (id, user_id, session_id, type, name, properties, timestamp) VALUES `)

	args := make([]any, 0, len(chunk)*eventColumns)
	for i, ev := range chunk {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?)")

		props := []byte("{}")
		if ev.Properties != nil {
			var err error
			if props, err = json.Marshal(ev.Properties); err != nil {
				return "", nil, fmt.Errorf("marshal properties of event %s: %w", ev.ID, err)
			}
		}
		args = append(args, ev.ID, ev.UserID, ev.SessionID, ev.Type, ev.Name, string(props), ev.Timestamp.UTC())
	}
	b.WriteString(" ON CONFLICT (id) DO NOTHING")
	return b.String(), args, nil
}

func (s *Store) upsertCheckpoint(ctx context.Context, exec sqlx.ExtContext, adv checkpoint.Advance) error {
	var cursor sql.NullString
	if adv.Cursor != "" {
		cursor = sql.NullString{String: adv.Cursor, Valid: true}
	}

	query := exec.Rebind(`INSERT INTO ingestion_checkpoints (service_id, cursor, last_updated, total_events_ingested)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (service_id) DO UPDATE SET
			cursor = COALESCE(EXCLUDED.cursor, ingestion_checkpoints.cursor),
			last_updated = EXCLUDED.last_updated,
			total_events_ingested = ingestion_checkpoints.total_events_ingested + EXCLUDED.total_events_ingested`)

	if _, err := exec.ExecContext(ctx, query, s.serviceID, cursor, s.now().UTC(), int64(adv.Events)); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
