package sink

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Sternrassler/datasync-ingestor/pkg/event"
	"github.com/Sternrassler/datasync-ingestor/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultHighWaterMark is the write buffer size in bytes.
	DefaultHighWaterMark = 1 << 20

	// DefaultDedupeWindow is how many recent ids the file sink remembers.
	DefaultDedupeWindow = 10000

	// tailScanLimit bounds how much of an existing file is read on open.
	tailScanLimit = 64 << 20
)

// FileConfig configures a FileSink.
type FileConfig struct {
	Path string

	// HighWaterMark sizes the write buffer. When it fills, the buffer is
	// flushed before more events are accepted.
	HighWaterMark int

	// DedupeWindow is the number of recent ids checked before appending.
	// Use twice the batch size so a fully re-delivered batch is skipped.
	DedupeWindow int
}

// FileSink appends events to a local file, one `id\tjson` line each.
type FileSink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	out    io.Writer // file, swapped in tests
	w      *bufio.Writer
	recent *recentIDs
	logger zerolog.Logger
}

// NewFileSink opens (or creates) the output file for appending.
func NewFileSink(cfg FileConfig) (*FileSink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("output file path is required")
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = DefaultHighWaterMark
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = DefaultDedupeWindow
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}

	s := &FileSink{
		path:   cfg.Path,
		file:   f,
		out:    f,
		w:      bufio.NewWriterSize(f, cfg.HighWaterMark),
		recent: newRecentIDs(cfg.DedupeWindow),
		logger: log.With().
			Str("component", "sink").
			Str("backend", metrics.BackendFile).
			Logger(),
	}
	if err := s.seed(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the output file path.
func (s *FileSink) Path() string {
	return s.path
}

// seed loads the ids of the last lines into the dedupe window and
// terminates a torn final line left by a crash mid-write.
func (s *FileSink) seed() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat output file: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	offset := max(size-tailScanLimit, 0)
	buf := make([]byte, size-offset)
	if _, err := s.file.ReadAt(buf, offset); err != nil && err != io.EOF {
		return fmt.Errorf("read output file tail: %w", err)
	}

	if buf[len(buf)-1] != '\n' {
		s.logger.Warn().Int64("size", size).Msg("Output file ends with a partial line, terminating it")
		if _, err := s.file.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("terminate partial line: %w", err)
		}
		// The torn event is re-appended when its batch is re-delivered.
		if i := bytes.LastIndexByte(buf, '\n'); i >= 0 {
			buf = buf[:i+1]
		} else {
			buf = nil
		}
	}

	// The first line is partial unless the scan started at the beginning.
	if offset > 0 {
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			buf = buf[i+1:]
		}
	}

	ids := lineIDs(buf)
	for _, id := range ids[max(len(ids)-s.recent.size, 0):] {
		s.recent.add(id)
	}
	s.logger.Debug().Int("ids", s.recent.len()).Msg("Dedupe window seeded from output file")
	return nil
}

// lineIDs returns the id prefix of every complete line in buf.
func lineIDs(buf []byte) []string {
	var ids []string
	for len(buf) > 0 {
		line := buf
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			line, buf = buf[:i], buf[i+1:]
		} else {
			buf = nil
		}
		if id, _, ok := bytes.Cut(line, []byte{'\t'}); ok && len(id) > 0 {
			ids = append(ids, string(id))
		}
	}
	return ids
}

// Write appends events not seen recently, then flushes and fsyncs. A
// failed write leaves the file as it was before the call, so the batch can
// be retried.
func (s *FileSink) Write(ctx context.Context, events []event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("output file is closed")
	}
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat output file: %w", err)
	}

	start := time.Now()
	if err := s.appendBatch(events); err != nil {
		s.rollback(info.Size())
		return err
	}
	metrics.ObserveSinkWrite(metrics.BackendFile, start)
	return nil
}

// appendBatch writes the events and records their ids once they are on disk.
func (s *FileSink) appendBatch(events []event.Event) error {
	written := make([]string, 0, len(events))
	batch := make(map[string]struct{}, len(events))
	skipped := 0
	for _, ev := range events {
		if _, dup := batch[ev.ID]; dup || s.recent.has(ev.ID) {
			skipped++
			continue
		}
		line, err := ev.Line()
		if err != nil {
			return err
		}
		// bufio flushes to the file whenever the buffer fills.
		if _, err := s.w.Write(line); err != nil {
			return fmt.Errorf("append event %s: %w", ev.ID, err)
		}
		batch[ev.ID] = struct{}{}
		written = append(written, ev.ID)
	}

	if err := s.sync(); err != nil {
		return err
	}
	for _, id := range written {
		s.recent.add(id)
	}

	if skipped > 0 {
		s.logger.Info().
			Int("events", len(events)).
			Int("skipped", skipped).
			Msg("Skipped re-delivered events")
	}
	return nil
}

// rollback drops buffered data and cuts off whatever part of the failed
// batch already reached the file. bufio.Writer keeps its first error, so it
// must be reset before the next write.
func (s *FileSink) rollback(size int64) {
	s.w.Reset(s.out)
	if err := s.file.Truncate(size); err != nil {
		s.logger.Error().Err(err).Int64("size", size).Msg("Failed to truncate output file after a failed write")
	}
}

func (s *FileSink) sync() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush output file: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync output file: %w", err)
	}
	return nil
}

// Close flushes pending data and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	syncErr := s.sync()
	closeErr := s.file.Close()
	s.file = nil
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// recentIDs is a fixed-size FIFO set of event ids.
type recentIDs struct {
	size int
	ring []string
	next int
	set  map[string]struct{}
}

func newRecentIDs(size int) *recentIDs {
	return &recentIDs{
		size: size,
		ring: make([]string, 0, size),
		set:  make(map[string]struct{}, size),
	}
}

func (r *recentIDs) has(id string) bool {
	_, ok := r.set[id]
	return ok
}

func (r *recentIDs) add(id string) {
	if r.has(id) {
		return
	}
	if len(r.ring) < r.size {
		r.ring = append(r.ring, id)
	} else {
		delete(r.set, r.ring[r.next])
		r.ring[r.next] = id
		r.next = (r.next + 1) % r.size
	}
	r.set[id] = struct{}{}
}

func (r *recentIDs) len() int {
	return len(r.set)
}
