package pagination

import (
	"context"
	"errors"
	"testing"

	"github.com/Sternrassler/datasync-ingestor/internal/testutil"
	"github.com/Sternrassler/datasync-ingestor/pkg/event"
)

func TestTerminator_Check(t *testing.T) {
	full := &event.Batch{Events: testutil.NewEvents(0, 2), Cursor: "c1", HasMore: true, Requested: 2}
	short := &event.Batch{Events: testutil.NewEvents(0, 1), Cursor: "c2", HasMore: true, Requested: 2}
	last := &event.Batch{Events: testutil.NewEvents(0, 1), HasMore: false, Requested: 2}
	noMoreWithCursor := &event.Batch{Events: testutil.NewEvents(0, 2), Cursor: "c3", HasMore: false, Requested: 2}

	tests := []struct {
		name   string
		config Config
		batch  *event.Batch
		total  int64
		want   Reason
	}{
		{"full page continues", DefaultConfig(), full, 2, Continue},
		{"short page ignored by default", DefaultConfig(), short, 3, Continue},
		{"short page opt-in", Config{StopOnShortPage: true}, short, 3, ReasonShortPage},
		{"explicit end", DefaultConfig(), last, 3, ReasonExplicitEnd},
		{"explicit end disabled", Config{}, last, 3, Continue},
		{"hasMore false with cursor continues", DefaultConfig(), noMoreWithCursor, 2, Continue},
		{"target reached", Config{TargetEvents: 3}, full, 4, ReasonTarget},
		{"target not reached", Config{TargetEvents: 10}, full, 4, Continue},
		{"target wins over explicit end", Config{StopOnExplicitEnd: true, TargetEvents: 3}, last, 3, ReasonTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewTerminator(tt.config).Check(tt.batch, tt.total)
			if got != tt.want {
				t.Errorf("Check() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEmpty(t *testing.T) {
	if !Empty(&event.Batch{}) {
		t.Error("page without events and cursor should be empty")
	}
	if Empty(&event.Batch{Cursor: "c1"}) {
		t.Error("page with a cursor is not empty")
	}
	if Empty(&event.Batch{Events: testutil.NewEvents(0, 1)}) {
		t.Error("page with events is not empty")
	}
}

// scriptedFetcher returns pages in order and records the cursors it was asked for.
type scriptedFetcher struct {
	pages   []*event.Batch
	cursors []string
	err     error
}

func (f *scriptedFetcher) FetchPage(_ context.Context, cursor string) (*event.Batch, error) {
	f.cursors = append(f.cursors, cursor)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.cursors) > len(f.pages) {
		return &event.Batch{}, nil
	}
	return f.pages[len(f.cursors)-1], nil
}

func TestPager_WalksUntilEmptyPage(t *testing.T) {
	fetcher := &scriptedFetcher{pages: []*event.Batch{
		{Events: testutil.NewEvents(0, 2), Cursor: "c1", HasMore: true, Requested: 2},
		{Events: testutil.NewEvents(2, 3), Cursor: "c2", HasMore: true, Requested: 2},
		{HasMore: false, Requested: 2},
	}}

	var seen []string
	result, err := NewPager(fetcher, DefaultConfig()).Walk(context.Background(), "", 0, func(b *event.Batch) error {
		for _, ev := range b.Events {
			seen = append(seen, ev.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}

	if result.Pages != 3 || result.Events != 3 || result.Cursor != "c2" || result.Reason != ReasonEmpty {
		t.Errorf("Walk() = %+v", result)
	}
	if len(seen) != 3 {
		t.Errorf("fn saw %d events, want 3", len(seen))
	}
	wantCursors := []string{"", "c1", "c2"}
	for i, c := range wantCursors {
		if fetcher.cursors[i] != c {
			t.Errorf("request %d cursor = %q, want %q", i, fetcher.cursors[i], c)
		}
	}
}

func TestPager_MaxPages(t *testing.T) {
	fetcher := &scriptedFetcher{pages: []*event.Batch{
		{Events: testutil.NewEvents(0, 2), Cursor: "c1", HasMore: true, Requested: 2},
		{Events: testutil.NewEvents(2, 4), Cursor: "c2", HasMore: true, Requested: 2},
		{Events: testutil.NewEvents(4, 6), Cursor: "c3", HasMore: true, Requested: 2},
	}}

	result, err := NewPager(fetcher, DefaultConfig()).Walk(context.Background(), "start", 2, func(*event.Batch) error { return nil })
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if result.Pages != 2 || result.Cursor != "c2" || result.Reason != Continue {
		t.Errorf("Walk() = %+v", result)
	}
	if fetcher.cursors[0] != "start" {
		t.Errorf("first cursor = %q, want start", fetcher.cursors[0])
	}
}

func TestPager_Errors(t *testing.T) {
	t.Run("fetch error", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := NewPager(&scriptedFetcher{err: boom}, DefaultConfig()).
			Walk(context.Background(), "", 0, func(*event.Batch) error { return nil })
		if !errors.Is(err, boom) {
			t.Errorf("Walk() error = %v, want boom", err)
		}
	})

	t.Run("callback error", func(t *testing.T) {
		stop := errors.New("stop")
		fetcher := &scriptedFetcher{pages: []*event.Batch{
			{Events: testutil.NewEvents(0, 1), Cursor: "c1", HasMore: true},
		}}
		result, err := NewPager(fetcher, DefaultConfig()).
			Walk(context.Background(), "", 0, func(*event.Batch) error { return stop })
		if !errors.Is(err, stop) {
			t.Errorf("Walk() error = %v, want stop", err)
		}
		if result.Events != 0 || result.Cursor != "" {
			t.Errorf("failed page must not advance: %+v", result)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		fetcher := &scriptedFetcher{}
		_, err := NewPager(fetcher, DefaultConfig()).Walk(ctx, "", 0, func(*event.Batch) error { return nil })
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Walk() error = %v, want context.Canceled", err)
		}
		if len(fetcher.cursors) != 0 {
			t.Error("no fetch should happen after cancellation")
		}
	})
}
