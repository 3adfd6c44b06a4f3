package app

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/datasync-ingestor/pkg/cursor"
	"github.com/Sternrassler/datasync-ingestor/pkg/event"
	"github.com/Sternrassler/datasync-ingestor/pkg/pagination"
)

// DefaultProbeLimits are the page sizes Probe requests.
var DefaultProbeLimits = []int{1, 10, 100, 1000, 5000, 10000}

// probePages is how many pages Probe walks to inspect the cursor.
const probePages = 2

// ProbeFetcher is the part of client.Client the probe uses.
type ProbeFetcher interface {
	pagination.PageFetcher
	FetchPageLimit(ctx context.Context, cursor string, limit int) (*event.Batch, error)
}

// LimitProbe is the result of one page-size request.
type LimitProbe struct {
	Requested int
	Served    int
	Duration  time.Duration
	Err       error
}

// Capped reports whether the API served fewer events than requested.
func (l LimitProbe) Capped() bool {
	return l.Err == nil && l.Served < l.Requested
}

// ProbeReport describes how the API paginates.
type ProbeReport struct {
	Limits []LimitProbe

	Pages  int
	Events int64

	// Overlap counts event ids served on more than one walked page.
	Overlap int

	// Ordered is false when a timestamp went backwards across the walk.
	Ordered bool

	Cursor     string
	Structured bool
	Expiry     time.Time
}

// Probe requests one page per limit and then walks the first pages of the
// stream to report overlap, ordering and the cursor encoding.
func Probe(ctx context.Context, f ProbeFetcher, limits []int) (*ProbeReport, error) {
	report := &ProbeReport{Ordered: true}

	for _, limit := range limits {
		start := time.Now()
		batch, err := f.FetchPageLimit(ctx, "", limit)
		lp := LimitProbe{Requested: limit, Duration: time.Since(start), Err: err}
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
		} else {
			lp.Served = len(batch.Events)
		}
		report.Limits = append(report.Limits, lp)
	}

	seen := make(map[string]int)
	var last time.Time
	result, err := pagination.NewPager(f, pagination.DefaultConfig()).Walk(ctx, "", probePages, func(b *event.Batch) error {
		for _, ev := range b.Events {
			seen[ev.ID]++
			if seen[ev.ID] == 2 {
				report.Overlap++
			}
			if ev.Timestamp.Before(last) {
				report.Ordered = false
			}
			last = ev.Timestamp
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("walk pages: %w", err)
	}

	report.Pages = result.Pages
	report.Events = result.Events
	report.Cursor = result.Cursor
	report.Structured = cursor.Structured(result.Cursor)
	if exp, ok := cursor.Expiry(result.Cursor); ok {
		report.Expiry = exp
	}
	return report, nil
}
