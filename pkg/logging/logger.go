// Package logging configures the process-wide zerolog logger and the
// per-component child loggers used by the ingestion service.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Service is attached to every entry as "service" when set.
	Service string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Pretty:  false,
		Output:  os.Stderr,
		Service: "datasync-ingestor",
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.DurationFieldUnit = time.Millisecond

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// abbrevLen is how much of a cursor Abbrev keeps.
const abbrevLen = 20

// Abbrev shortens a cursor for logging. Cursors are never logged in full.
func Abbrev(cursor string) string {
	if cursor == "" {
		return "<none>"
	}
	if len(cursor) <= abbrevLen {
		return cursor
	}
	return cursor[:abbrevLen] + "..."
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Per-request flow (mode, limit, cursor)
//   - Credential cache hits
//   - Rate limit state updates
//
// Info: Normal operation events
//   - Batch persisted, checkpoint advanced
//   - Progress snapshots
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts (5xx, network)
//   - Rate limits
//   - Cursor resets
//   - Credential refreshes
//
// Error: Error conditions requiring attention
//   - Fatal fetch attempts (validation, unclassified status)
//   - Persistence failures
//   - Terminal errors that stop the service
//
// Context Fields:
//   - component: emitting component (ingest-loop, datasync-client, ...)
//   - cursor: abbreviated cursor, see Abbrev
//   - status_code: HTTP status code
//   - error_class: classification from the client package
//   - action: classifier decision
//   - delay: wait before the next attempt
//   - events: events in the current batch
//   - total: events ingested so far
//   - attempt: attempt number within one page fetch
//   - service_id: checkpoint key
