package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_rate_limit_remaining",
		Help: "Requests remaining in the current DataSync rate limit window",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_rate_limit_blocks_total",
		Help: "Total number of times a 429 blocked further requests",
	})
)

// Tracker keeps the rate-limit state in memory and mirrors it to Redis
// when a client is configured, so a restarted process honours a window
// learned by its predecessor.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	state State
}

// NewTracker creates a new rate limit tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
		now:    time.Now,
		state:  State{Remaining: UnknownRemaining},
	}
}

// GetState returns the current state, merged with the Redis mirror when one
// is configured. The later deadline wins.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	if t.redis == nil {
		return &state, nil
	}

	shared, err := t.loadShared(ctx)
	if err != nil {
		return nil, err
	}
	if shared.BlockedUntil.After(state.BlockedUntil) {
		state.BlockedUntil = shared.BlockedUntil
	}
	if shared.LastUpdate.After(state.LastUpdate) {
		state.Remaining = shared.Remaining
		state.ResetAt = shared.ResetAt
		state.LastUpdate = shared.LastUpdate
	}
	return &state, nil
}

func (t *Tracker) loadShared(ctx context.Context) (State, error) {
	state := State{Remaining: UnknownRemaining}

	vals, err := t.redis.MGet(ctx, RedisKeyRemaining, RedisKeyResetAt, RedisKeyLastUpdate, RedisKeyBlockedUntil).Result()
	if err != nil {
		return state, fmt.Errorf("get rate limit state: %w", err)
	}

	ints := make([]int64, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			ints[i] = -1
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			ints[i] = -1
			continue
		}
		ints[i] = n
	}

	if ints[0] >= 0 {
		state.Remaining = int(ints[0])
	}
	if ints[1] > 0 {
		state.ResetAt = time.UnixMilli(ints[1])
	}
	if ints[2] > 0 {
		state.LastUpdate = time.UnixMilli(ints[2])
	}
	if ints[3] > 0 {
		state.BlockedUntil = time.UnixMilli(ints[3])
	}
	return state, nil
}

// UpdateFromHeaders records the window advertised by a response. Responses
// without rate-limit headers leave the state untouched.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	parsed, ok := ParseHeaders(headers, t.now())
	if !ok {
		return nil
	}

	t.mu.Lock()
	if parsed.Remaining != UnknownRemaining {
		t.state.Remaining = parsed.Remaining
	}
	if !parsed.ResetAt.IsZero() {
		t.state.ResetAt = parsed.ResetAt
	}
	t.state.LastUpdate = parsed.LastUpdate
	state := t.state
	t.mu.Unlock()

	if state.Remaining != UnknownRemaining {
		rateLimitRemaining.Set(float64(state.Remaining))
	}

	t.logger.Debug().
		Int("remaining", state.Remaining).
		Time("reset_at", state.ResetAt).
		Msg("Rate limit state updated")

	if t.redis == nil {
		return nil
	}

	ttl := time.Until(state.ResetAt) + time.Minute
	if ttl < time.Minute {
		ttl = time.Minute
	}
	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyRemaining, state.Remaining, ttl)
	pipe.Set(ctx, RedisKeyResetAt, state.ResetAt.UnixMilli(), ttl)
	pipe.Set(ctx, RedisKeyLastUpdate, state.LastUpdate.UnixMilli(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}

// Block prevents requests until the given time. An earlier deadline never
// shortens an existing block, locally or in Redis.
func (t *Tracker) Block(ctx context.Context, until time.Time) error {
	t.mu.Lock()
	if until.After(t.state.BlockedUntil) {
		t.state.BlockedUntil = until
	}
	until = t.state.BlockedUntil
	t.mu.Unlock()

	rateLimitBlocksTotal.Inc()
	t.logger.Warn().
		Time("blocked_until", until).
		Msg("Rate limited, blocking requests")

	if t.redis == nil {
		return nil
	}

	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	shared, err := t.redis.Get(ctx, RedisKeyBlockedUntil).Int64()
	if err == nil && shared >= until.UnixMilli() {
		return nil
	}
	if err := t.redis.Set(ctx, RedisKeyBlockedUntil, until.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("store blocked_until in redis: %w", err)
	}
	return nil
}

// Delay returns how long the caller must wait before its next request.
func (t *Tracker) Delay(ctx context.Context) (time.Duration, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		// A broken mirror must not stall ingestion; fall back to memory.
		t.logger.Warn().Err(err).Msg("Rate limit state unavailable, using local state")
		t.mu.Lock()
		local := t.state
		t.mu.Unlock()
		state = &local
	}
	return state.Delay(t.now()), nil
}
