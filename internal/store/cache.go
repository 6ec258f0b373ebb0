package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachedStore serves QueryVisibleTo from Redis and falls through to the
// wrapped store on a miss or on any Redis error. Every write bumps a version
// counter that is part of the cache key, so older entries are never read
// again and expire on their TTL.
type CachedStore struct {
	inner  Store
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger

	// stale is set when a version bump failed; the cache is bypassed until a
	// later bump succeeds.
	stale atomic.Bool
}

// NewRedisClient connects to cfg.Address and pings it.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func NewCachedStore(inner Store, client *redis.Client, cfg config.RedisConfig, logger zerolog.Logger) *CachedStore {
	return &CachedStore{
		inner:  inner,
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		logger: logger.With().Str(logging.FieldStore, "redis-cache").Logger(),
	}
}

func (s *CachedStore) versionKey() string {
	return s.prefix + ":version"
}

func (s *CachedStore) entryKey(username, version string) string {
	return fmt.Sprintf("%s:visible:%s:%s", s.prefix, username, version)
}

func (s *CachedStore) bump(ctx context.Context) {
	if err := s.client.Incr(ctx, s.versionKey()).Err(); err != nil {
		s.stale.Store(true)
		s.logger.Warn().Err(err).Msg("Failed to bump history cache version")
		return
	}
	s.stale.Store(false)
}

func (s *CachedStore) Append(ctx context.Context, rec Record) (Record, error) {
	stored, err := s.inner.Append(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	s.bump(ctx)
	return stored, nil
}

func (s *CachedStore) QueryVisibleTo(ctx context.Context, username string) ([]Record, error) {
	if s.stale.Load() {
		s.bump(ctx)
		if s.stale.Load() {
			return s.inner.QueryVisibleTo(ctx, username)
		}
	}

	version, err := s.client.Get(ctx, s.versionKey()).Result()
	switch {
	case errors.Is(err, redis.Nil):
		version = "0"
	case err != nil:
		s.logger.Warn().Err(err).Msg("History cache unavailable")
		return s.inner.QueryVisibleTo(ctx, username)
	}

	key := s.entryKey(username, version)
	if raw, err := s.client.Get(ctx, key).Bytes(); err == nil {
		var records []Record
		if err := json.Unmarshal(raw, &records); err == nil {
			return records, nil
		}
		s.logger.Warn().Str(logging.FieldUsername, username).Msg("Discarding undecodable history cache entry")
	} else if !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Msg("History cache read failed")
	}

	records, err := s.inner.QueryVisibleTo(ctx, username)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(records); err == nil {
		if err := s.client.Set(ctx, key, raw, s.ttl).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("History cache write failed")
		}
	}
	return records, nil
}

// DeleteAll purges the wrapped store when it supports it.
func (s *CachedStore) DeleteAll(ctx context.Context) (int64, error) {
	p, ok := s.inner.(Purger)
	if !ok {
		return 0, fmt.Errorf("%T does not support purging", s.inner)
	}
	n, err := p.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	s.bump(ctx)
	return n, nil
}

// Close closes the wrapped store and the Redis client.
func (s *CachedStore) Close() error {
	return errors.Join(s.inner.Close(), s.client.Close())
}
