package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RedisKeyPrefix prefixes checkpoint keys; the service id completes the key.
const RedisKeyPrefix = "ingest:checkpoint:"

// RedisStore keeps the checkpoint under one Redis key per service id. The
// running event total lives in a sibling counter key so concurrent readers
// never see it go backwards.
type RedisStore struct {
	redis     *redis.Client
	serviceID string
	now       func() time.Time
	logger    zerolog.Logger
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, serviceID string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if serviceID == "" {
		return nil, fmt.Errorf("service id is required")
	}
	return &RedisStore{
		redis:     client,
		serviceID: serviceID,
		now:       time.Now,
		logger: log.With().
			Str("component", "checkpoint").
			Str("backend", "redis").
			Str("service_id", serviceID).
			Logger(),
	}, nil
}

func (s *RedisStore) key() string {
	return RedisKeyPrefix + s.serviceID
}

func (s *RedisStore) totalKey() string {
	return s.key() + ":total"
}

// Load reads the checkpoint.
func (s *RedisStore) Load(ctx context.Context) (*Checkpoint, error) {
	data, err := s.redis.Get(ctx, s.key()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get checkpoint: %w", err)
	}

	cp, err := Unmarshal(data, s.now())
	if err != nil {
		return nil, err
	}

	total, err := s.redis.Get(ctx, s.totalKey()).Int64()
	switch {
	case err == nil:
		cp.TotalEvents = total
	case !errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("redis get checkpoint total: %w", err)
	}

	if cp.Legacy {
		s.logger.Warn().Msg("Loaded legacy raw-cursor checkpoint, it will be upgraded on next save")
	}
	return cp, nil
}

// Save writes the checkpoint and bumps the total in one MULTI/EXEC.
func (s *RedisStore) Save(ctx context.Context, adv Advance) error {
	prev, err := s.Load(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	next := Apply(prev, adv, s.now())
	data, err := Marshal(next)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(), data, 0)
		pipe.IncrBy(ctx, s.totalKey(), int64(adv.Events))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save checkpoint: %w", err)
	}

	RecordSave("redis")
	return nil
}

// Reset deletes the checkpoint and its counter.
func (s *RedisStore) Reset(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.key(), s.totalKey()).Err(); err != nil {
		return fmt.Errorf("redis delete checkpoint: %w", err)
	}
	return nil
}
