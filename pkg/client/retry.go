package client

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry waits.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_retries_total",
		Help: "Total number of fetch retries by reason",
	}, []string{"reason"})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_rate_limit_wait_seconds",
		Help:    "Time spent waiting for rate limit windows",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})
)

// Retry reasons used as metric labels.
const (
	reasonRateLimited = "rate_limited"
	reasonServerError = "server_error"
	reasonNetwork     = "network"
)

// Sleeper waits for d or until ctx is done, whichever comes first.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryReason picks the metric label for a RetrySameCursor action.
func retryReason(out Outcome) string {
	if out.Err != nil {
		return reasonNetwork
	}
	return reasonServerError
}

// backoff waits before retrying the same cursor. Retries are unbounded;
// only ctx ends the wait early.
func (c *Client) backoff(ctx context.Context, reason string, attempt int, action Action) error {
	retriesTotal.WithLabelValues(reason).Inc()

	c.logger.Warn().
		Err(action.Err).
		Str("action", action.Kind.String()).
		Str("reason", reason).
		Int("attempt", attempt).
		Dur("delay", action.Delay).
		Msg("Retrying page after backoff")

	if reason == reasonRateLimited {
		rateLimitWaitSeconds.Observe(action.Delay.Seconds())
	}

	if err := c.sleep(ctx, action.Delay); err != nil {
		c.logger.Warn().
			Int("attempt", attempt).
			Msg("Context cancelled during retry backoff")
		return fmt.Errorf("retry backoff: %w", err)
	}
	return nil
}
