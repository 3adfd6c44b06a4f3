// Package client fetches pages of events from the DataSync API. It owns the
// outcome classification, response normalization and the retry waits, so
// callers only ever see a canonical event.Batch or an error.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/datasync-ingestor/pkg/event"
	"github.com/Sternrassler/datasync-ingestor/pkg/logging"
	"github.com/Sternrassler/datasync-ingestor/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for fetch operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_requests_total",
		Help: "Total DataSync page requests by status",
	}, []string{"status"})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_fetch_duration_seconds",
		Help:    "DataSync page request duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_fetch_errors_total",
		Help: "Total failed fetch attempts by error class",
	}, []string{"class"})

	batchesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_batches_fetched_total",
		Help: "Total pages fetched and accepted",
	})

	cursorResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_cursor_resets_total",
		Help: "Total pagination restarts caused by rejected cursors",
	})
)

// maxBodySize bounds how much of a response is read into memory.
const maxBodySize = 256 << 20

// Mode selects the API variant.
type Mode string

const (
	// ModeStream uses the token-gated stream endpoint.
	ModeStream Mode = "stream"

	// ModeDirect uses GET {base}/events with the API key only.
	ModeDirect Mode = "direct"
)

// CredentialProvider hands out stream credentials.
type CredentialProvider interface {
	// Ensure returns a credential that is still inside its refresh window.
	Ensure(ctx context.Context) (*event.StreamAccess, error)

	// Refresh discards the cached credential and fetches a new one.
	Refresh(ctx context.Context) (*event.StreamAccess, error)
}

// CursorRefresher extends a cursor's embedded expiry.
type CursorRefresher interface {
	Refresh(cursor string) string
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root, e.g. http://host/api/v1.
	BaseURL string

	// APIKey is sent as X-API-Key on every request.
	APIKey string

	UserAgent string

	Mode Mode

	// BatchSize is the page size requested by FetchPage.
	BatchSize int

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	Policy Policy

	// Credentials is required in ModeStream.
	Credentials CredentialProvider

	// RateLimiter is optional. When set, a window learned earlier is waited
	// out before the first request of each page.
	RateLimiter *ratelimit.Tracker

	// Cursors is optional. When set, a cursor is re-extended after every
	// wait so a long backoff cannot expire it.
	Cursors CursorRefresher

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client

	// Sleep overrides SleepContext (tests).
	Sleep Sleeper
}

// DefaultConfig returns a configuration with the default page size, timeout
// and retry policy.
func DefaultConfig(baseURL, apiKey string) Config {
	return Config{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		UserAgent: "datasync-ingestor/1.0",
		Mode:      ModeStream,
		BatchSize: 5000,
		Timeout:   30 * time.Second,
		Policy:    DefaultPolicy(),
	}
}

// Client is the PageFetcher for the DataSync API.
type Client struct {
	httpClient *http.Client
	config     Config
	sleep      Sleeper
	logger     zerolog.Logger
}

// New creates a new DataSync client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0 (got %d)", cfg.BatchSize)
	}

	switch cfg.Mode {
	case "":
		cfg.Mode = ModeStream
		fallthrough
	case ModeStream:
		if cfg.Credentials == nil {
			return nil, fmt.Errorf("stream mode requires a credential provider")
		}
	case ModeDirect:
	default:
		return nil, fmt.Errorf("unknown api mode %q", cfg.Mode)
	}

	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	return &Client{
		httpClient: httpClient,
		config:     cfg,
		sleep:      sleep,
		logger:     log.With().Str("component", "datasync-client").Logger(),
	}, nil
}

// FetchPage fetches the page after cursor ("" for the beginning of the
// stream) using the configured batch size.
func (c *Client) FetchPage(ctx context.Context, cursor string) (*event.Batch, error) {
	return c.FetchPageLimit(ctx, cursor, c.config.BatchSize)
}

// FetchPageLimit fetches one page of at most limit events.
//
// Transient failures and rate limits are retried indefinitely with the same
// cursor; a rejected cursor restarts from the beginning; a rejected
// credential is refreshed once. Waits end early when ctx is cancelled, but
// a request already on the wire is allowed to complete.
func (c *Client) FetchPageLimit(ctx context.Context, cursor string, limit int) (*event.Batch, error) {
	var (
		refreshed bool
		reset     bool
	)

	for attempt := 1; ; attempt++ {
		if attempt == 1 {
			if err := c.waitForWindow(ctx); err != nil {
				return nil, err
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, err := c.do(ctx, cursor, limit)
		if err != nil {
			return nil, err
		}

		action := Classify(out, c.config.Policy)
		if action.Kind != Accept {
			fetchErrorsTotal.WithLabelValues(string(ClassOf(action.Err))).Inc()
		}

		switch action.Kind {
		case Accept:
			batch, err := decodeBatch(out.Body, limit)
			if err != nil {
				fetchErrorsTotal.WithLabelValues(string(ErrorClassValidation)).Inc()
				c.logger.Error().Err(err).Msg("Page failed validation")
				return nil, &APIError{
					StatusCode: out.StatusCode,
					Class:      ErrorClassValidation,
					Message:    "invalid page",
					Err:        err,
				}
			}
			batch.Reset = reset
			batchesFetched.Inc()

			c.logger.Debug().
				Int("events", len(batch.Events)).
				Str("cursor", logging.Abbrev(batch.Cursor)).
				Bool("has_more", batch.HasMore).
				Dur("elapsed", out.Elapsed).
				Msg("Page fetched")
			return batch, nil

		case RefreshCredentialAndRetry:
			if c.config.Mode == ModeDirect {
				return nil, action.Err
			}
			if refreshed {
				return nil, fmt.Errorf("%w: credential rejected after refresh: %w", ErrCredentialRefresh, action.Err)
			}
			refreshed = true

			c.logger.Warn().
				Int("status_code", out.StatusCode).
				Msg("Stream credential rejected, refreshing")
			if _, err := c.config.Credentials.Refresh(ctx); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrCredentialRefresh, err)
			}

		case ResetCursor:
			if cursor == "" {
				return nil, fmt.Errorf("%w: %w", ErrCursorRejected, action.Err)
			}
			cursorResets.Inc()
			c.logger.Warn().
				Err(action.Err).
				Str("cursor", logging.Abbrev(cursor)).
				Msg("Cursor expired or invalid, restarting stream from the beginning")
			cursor = ""
			reset = true

		case RateLimited:
			if c.config.RateLimiter != nil {
				if err := c.config.RateLimiter.Block(ctx, time.Now().Add(action.Delay)); err != nil {
					c.logger.Warn().Err(err).Msg("Failed to record rate limit block")
				}
			}
			if err := c.backoff(ctx, reasonRateLimited, attempt, action); err != nil {
				return nil, err
			}
			cursor = c.refreshCursor(cursor)

		case RetrySameCursor:
			if err := c.backoff(ctx, retryReason(out), attempt, action); err != nil {
				return nil, err
			}
			cursor = c.refreshCursor(cursor)

		default:
			c.logger.Error().
				Err(action.Err).
				Int("status_code", out.StatusCode).
				Msg("Fetch failed")
			return nil, action.Err
		}
	}
}

// waitForWindow waits out a rate-limit window learned from earlier
// responses, possibly by another process.
func (c *Client) waitForWindow(ctx context.Context) error {
	if c.config.RateLimiter == nil {
		return ctx.Err()
	}

	delay, err := c.config.RateLimiter.Delay(ctx)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if delay <= 0 {
		return ctx.Err()
	}

	c.logger.Warn().
		Dur("delay", delay).
		Msg("Rate limit window active, waiting before request")
	rateLimitWaitSeconds.Observe(delay.Seconds())

	if err := c.sleep(ctx, delay); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func (c *Client) refreshCursor(cursor string) string {
	if c.config.Cursors == nil || cursor == "" {
		return cursor
	}
	return c.config.Cursors.Refresh(cursor)
}

// do performs one HTTP attempt. Transport failures are reported inside the
// Outcome; the returned error is passed to the caller without retry.
func (c *Client) do(ctx context.Context, cursor string, limit int) (Outcome, error) {
	endpoint := strings.TrimRight(c.config.BaseURL, "/") + "/events"
	var token string

	if c.config.Mode == ModeStream {
		access, err := c.config.Credentials.Ensure(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("stream credential: %w", err)
		}
		endpoint = access.Endpoint
		token = access.Token
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return Outcome{}, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()

	// The request is detached from cancellation: shutdown stops new work,
	// it does not abort a fetch in flight.
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, u.String(), nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.config.APIKey)
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if token != "" {
		req.Header.Set("X-Stream-Token", token)
	}

	c.logger.Debug().
		Str("mode", string(c.config.Mode)).
		Int("limit", limit).
		Str("cursor", logging.Abbrev(cursor)).
		Msg("Requesting page")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	fetchDuration.Observe(elapsed.Seconds())

	if err != nil {
		requestsTotal.WithLabelValues("network_error").Inc()
		return Outcome{Err: err, Elapsed: elapsed}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		requestsTotal.WithLabelValues("network_error").Inc()
		return Outcome{Err: fmt.Errorf("read body: %w", err), Elapsed: time.Since(start)}, nil
	}
	requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if c.config.RateLimiter != nil {
		if err := c.config.RateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	return Outcome{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Elapsed:    time.Since(start),
	}, nil
}

// Mode returns the API mode the client was built for.
func (c *Client) Mode() Mode {
	return c.config.Mode
}

// BatchSize returns the configured page size.
func (c *Client) BatchSize() int {
	return c.config.BatchSize
}
