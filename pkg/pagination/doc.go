// Package pagination decides when a cursor-paginated stream has ended and
// walks pages one after another.
//
// Cursor pagination is strictly sequential: the position of page N+1 is
// only known once page N has arrived, so pages cannot be fetched in
// parallel. What varies is when to stop. Three independent signals are
// supported:
//   - explicit end: hasMore=false and no next cursor (on by default, authoritative)
//   - short page: fewer events than requested (opt-in heuristic)
//   - target: a configured total number of events has been ingested
//
// An empty page without a cursor always ends the walk.
//
// Example usage:
//
//	pager := pagination.NewPager(fetcher, pagination.DefaultConfig())
//	result, err := pager.Walk(ctx, "", 0, func(b *event.Batch) error {
//		return sink.Write(ctx, b.Events)
//	})
package pagination
