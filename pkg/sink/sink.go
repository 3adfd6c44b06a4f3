// Package sink writes fetched event batches to their destination.
//
// Every sink tolerates re-delivery: after a crash between persisting a
// batch and advancing the checkpoint, the same events are fetched and
// written again. How duplicates are absorbed depends on the backend:
//   - FileSink skips ids it has appended recently (seeded from the file tail)
//   - NATSSink relies on the JetStream duplicate window keyed by event id
//   - S3Sink writes each batch to a key derived from its first and last id
//
// The SQL sink lives in package sqlstore; it also implements
// checkpoint.Committer so events and checkpoint share one transaction.
package sink

import (
	"context"

	"github.com/Sternrassler/datasync-ingestor/pkg/event"
)

// Sink persists event batches. Write returns only after the batch is
// durable; a nil error is what allows the checkpoint to advance.
type Sink interface {
	Write(ctx context.Context, events []event.Event) error
	Close() error
}
