// Package checkpoint persists the ingestion position: the last cursor whose
// batch was durably stored, plus a running event count.
//
// A checkpoint is read once at startup and written after every persisted
// batch. Writers never leave a partial record behind: a crash mid-save
// leaves either the previous or the new checkpoint.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/datasync-ingestor/pkg/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var checkpointSaves = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_checkpoint_saves_total",
	Help: "Total checkpoint saves by backend",
}, []string{"backend"})

// RecordSave counts a successful save for backend.
func RecordSave(backend string) {
	checkpointSaves.WithLabelValues(backend).Inc()
}

// ErrNotFound is returned by Load when nothing has been saved yet.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is the durable ingestion position.
type Checkpoint struct {
	// Cursor is "" when ingestion has not advanced past the start.
	Cursor      string
	UpdatedAt   time.Time
	TotalEvents int64

	// Legacy is set when the record was stored as raw cursor text. The next
	// save rewrites it in the structured format.
	Legacy bool
}

// Advance describes one persisted batch.
type Advance struct {
	// Cursor is the position after the batch. "" keeps the previous cursor.
	Cursor string

	// Events is how many events the batch carried.
	Events int
}

// Store loads and saves checkpoints.
type Store interface {
	Load(ctx context.Context) (*Checkpoint, error)
	Save(ctx context.Context, adv Advance) error
}

// Committer is implemented by sinks that can write a batch and its
// checkpoint in one transaction.
type Committer interface {
	Commit(ctx context.Context, events []event.Event, adv Advance) error
}

// Resetter is implemented by stores whose checkpoint can be deleted.
type Resetter interface {
	Reset(ctx context.Context) error
}

// record is the on-disk JSON layout.
type record struct {
	Cursor      *string   `json:"cursor"`
	UpdatedAt   time.Time `json:"updatedAt"`
	TotalEvents int64     `json:"totalEvents"`
}

// Marshal encodes cp in the structured format.
func Marshal(cp *Checkpoint) ([]byte, error) {
	rec := record{UpdatedAt: cp.UpdatedAt.UTC(), TotalEvents: cp.TotalEvents}
	if cp.Cursor != "" {
		c := cp.Cursor
		rec.Cursor = &c
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a stored checkpoint. Content that is not a JSON object
// is taken as a legacy raw cursor; modTime stands in for its update time.
func Unmarshal(data []byte, modTime time.Time) (*Checkpoint, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrNotFound
	}

	if trimmed[0] == '{' {
		var rec record
		if err := json.Unmarshal(trimmed, &rec); err == nil {
			cp := &Checkpoint{UpdatedAt: rec.UpdatedAt, TotalEvents: rec.TotalEvents}
			if rec.Cursor != nil {
				cp.Cursor = *rec.Cursor
			}
			return cp, nil
		}
	}

	cursor := string(trimmed)
	// A legacy file may hold the cursor as a JSON string literal.
	if strings.HasPrefix(cursor, `"`) {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			cursor = s
		}
	}
	return &Checkpoint{Cursor: cursor, UpdatedAt: modTime, Legacy: true}, nil
}

// Apply returns the checkpoint that results from adv on top of prev.
func Apply(prev *Checkpoint, adv Advance, now time.Time) *Checkpoint {
	next := &Checkpoint{Cursor: adv.Cursor, UpdatedAt: now, TotalEvents: int64(adv.Events)}
	if prev != nil {
		if next.Cursor == "" {
			next.Cursor = prev.Cursor
		}
		next.TotalEvents += prev.TotalEvents
	}
	return next
}
