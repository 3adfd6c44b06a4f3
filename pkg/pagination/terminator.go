package pagination

import (
	"github.com/Sternrassler/datasync-ingestor/pkg/event"
)

// Reason says why a stream was considered finished. The zero value means
// it was not.
type Reason string

const (
	Continue          Reason = ""
	ReasonEmpty       Reason = "empty_page"
	ReasonExplicitEnd Reason = "explicit_end"
	ReasonShortPage   Reason = "short_page"
	ReasonTarget      Reason = "target_reached"
)

// Config selects the termination signals.
type Config struct {
	// StopOnExplicitEnd stops when a page has hasMore=false and no cursor.
	StopOnExplicitEnd bool

	// StopOnShortPage stops when a page carries fewer events than requested.
	StopOnShortPage bool

	// TargetEvents stops once this many events were seen. 0 disables it.
	TargetEvents int64
}

// DefaultConfig returns the default termination signals: explicit end only.
func DefaultConfig() Config {
	return Config{StopOnExplicitEnd: true}
}

// Terminator applies Config to fetched pages.
type Terminator struct {
	config Config
}

// NewTerminator creates a terminator.
func NewTerminator(config Config) *Terminator {
	return &Terminator{config: config}
}

// Config returns the active signals.
func (t *Terminator) Config() Config {
	return t.config
}

// Empty reports a page that carries nothing to persist and nowhere to go.
// It is checked before persisting.
func Empty(b *event.Batch) bool {
	return len(b.Events) == 0 && b.Cursor == ""
}

// Check is called after a page was persisted; total includes its events.
// The target is checked first so a bounded run reports it even when it
// coincides with the end of the stream.
func (t *Terminator) Check(b *event.Batch, total int64) Reason {
	if t.config.TargetEvents > 0 && total >= t.config.TargetEvents {
		return ReasonTarget
	}
	if t.config.StopOnExplicitEnd && b.Exhausted() {
		return ReasonExplicitEnd
	}
	if t.config.StopOnShortPage && b.Short() {
		return ReasonShortPage
	}
	return Continue
}
