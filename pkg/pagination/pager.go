package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/datasync-ingestor/pkg/event"
	"github.com/Sternrassler/datasync-ingestor/pkg/logging"
	"github.com/rs/zerolog/log"
)

// PageFetcher fetches one page starting at cursor ("" = from the start).
type PageFetcher interface {
	FetchPage(ctx context.Context, cursor string) (*event.Batch, error)
}

// Result summarizes a walk.
type Result struct {
	Pages  int
	Events int64

	// Cursor is the last cursor seen; "" if no page carried one.
	Cursor string

	// Reason is Continue when the walk stopped at maxPages.
	Reason Reason
}

// Pager walks a stream page by page.
type Pager struct {
	fetcher    PageFetcher
	terminator *Terminator
}

// NewPager creates a pager.
func NewPager(fetcher PageFetcher, config Config) *Pager {
	return &Pager{
		fetcher:    fetcher,
		terminator: NewTerminator(config),
	}
}

// Walk fetches pages starting at cursor and hands each one to fn until a
// termination signal fires, maxPages pages were fetched (0 = no limit), or
// an error occurs. An error from fn stops the walk and is returned as is.
func (p *Pager) Walk(ctx context.Context, cursor string, maxPages int, fn func(*event.Batch) error) (Result, error) {
	start := time.Now()
	result := Result{Cursor: cursor}

	for maxPages <= 0 || result.Pages < maxPages {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		batch, err := p.fetcher.FetchPage(ctx, result.Cursor)
		if err != nil {
			return result, fmt.Errorf("fetch page %d: %w", result.Pages+1, err)
		}
		result.Pages++

		if Empty(batch) {
			result.Reason = ReasonEmpty
			break
		}

		if err := fn(batch); err != nil {
			return result, err
		}
		result.Events += int64(len(batch.Events))
		if batch.Cursor != "" {
			result.Cursor = batch.Cursor
		}

		// Progress logging every 50 pages
		if result.Pages%50 == 0 {
			log.Info().
				Int("pages", result.Pages).
				Int64("events", result.Events).
				Str("cursor", logging.Abbrev(result.Cursor)).
				Msg("Walk progress")
		}

		if reason := p.terminator.Check(batch, result.Events); reason != Continue {
			result.Reason = reason
			break
		}
	}

	log.Debug().
		Int("pages", result.Pages).
		Int64("events", result.Events).
		Str("reason", string(result.Reason)).
		Dur("duration", time.Since(start)).
		Msg("Walk complete")
	return result, nil
}
