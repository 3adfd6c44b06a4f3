package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/datasync-ingestor/pkg/event"
	"github.com/Sternrassler/datasync-ingestor/pkg/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultNATSSubject     = "datasync.events"
	DefaultNATSStream      = "DATASYNC_EVENTS"
	DefaultDuplicateWindow = 10 * time.Minute
	DefaultAckTimeout      = 30 * time.Second
)

// NATSConfig configures a NATSSink.
type NATSConfig struct {
	URL string

	// Subject is the prefix; each event goes to <Subject>.<type>.
	Subject string

	// Stream is created (or updated) to capture <Subject>.>.
	Stream string

	// DuplicateWindow is how long JetStream remembers message ids.
	DuplicateWindow time.Duration

	// AckTimeout bounds the wait for publish acknowledgements of one batch.
	AckTimeout time.Duration
}

// NATSSink publishes every event to JetStream with its id as Nats-Msg-Id,
// so the server drops re-delivered events inside the duplicate window.
type NATSSink struct {
	conn       *nats.Conn
	js         jetstream.JetStream
	subject    string
	ackTimeout time.Duration
	logger     zerolog.Logger
}

// NewNATSSink connects to NATS and ensures the stream exists.
func NewNATSSink(ctx context.Context, cfg NATSConfig) (*NATSSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultNATSSubject
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultNATSStream
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = DefaultDuplicateWindow
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}

	logger := log.With().
		Str("component", "sink").
		Str("backend", metrics.BackendNATS).
		Logger()

	nc, err := nats.Connect(cfg.URL,
		nats.Name("datasync-ingestor"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Subject + ".>"},
		Duplicates: cfg.DuplicateWindow,
		Storage:    jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	return &NATSSink{
		conn:       nc,
		js:         js,
		subject:    cfg.Subject,
		ackTimeout: cfg.AckTimeout,
		logger:     logger,
	}, nil
}

// Subject returns the subject an event is published to.
func (s *NATSSink) Subject(ev event.Event) string {
	return s.subject + "." + subjectToken(ev.Type)
}

// subjectToken makes an event type usable as a single subject token.
func subjectToken(t string) string {
	if t == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, t)
}

// Write publishes the batch asynchronously and waits for every ack.
func (s *NATSSink) Write(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	start := time.Now()

	futures := make([]jetstream.PubAckFuture, 0, len(events))
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		f, err := s.js.PublishAsync(s.Subject(ev), data, jetstream.WithMsgID(ev.ID))
		if err != nil {
			return fmt.Errorf("publish event %s: %w", ev.ID, err)
		}
		futures = append(futures, f)
	}

	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()

	select {
	case <-s.js.PublishAsyncComplete():
	case <-timer.C:
		return fmt.Errorf("timed out after %s waiting for %d publish acks", s.ackTimeout, len(futures))
	case <-ctx.Done():
		return ctx.Err()
	}

	duplicates := 0
	for i, f := range futures {
		select {
		case ack := <-f.Ok():
			if ack.Duplicate {
				duplicates++
			}
		case err := <-f.Err():
			return fmt.Errorf("publish event %s: %w", events[i].ID, err)
		}
	}

	metrics.ObserveSinkWrite(metrics.BackendNATS, start)
	if duplicates > 0 {
		s.logger.Info().
			Int("events", len(events)).
			Int("duplicates", duplicates).
			Msg("JetStream dropped re-delivered events")
	}
	return nil
}

// Close drains the connection.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
