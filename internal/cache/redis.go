package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a shared Redis instance. Per event it keeps
// a plain counter key (INCR gives the atomic order assignment) and one hash
// mapping userID to the committed order, so a reset is a single DEL of two
// keys rather than a scan over per-user keys.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the default "points" key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// NewRedisStore constructs a RedisStore around an existing client.
func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: "points"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) counterKey(eventID string) string {
	return fmt.Sprintf("%s:event:%s:counter", s.prefix, eventID)
}

func (s *RedisStore) appliedKey(eventID string) string {
	return fmt.Sprintf("%s:event:%s:applied", s.prefix, eventID)
}

func (s *RedisStore) Increment(ctx context.Context, eventID string) (int, error) {
	n, err := s.rdb.Incr(ctx, s.counterKey(eventID)).Result()
	if err != nil {
		return 0, fmt.Errorf("increment event counter: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Set(ctx context.Context, eventID string, value int) error {
	if err := s.rdb.Set(ctx, s.counterKey(eventID), value, 0).Err(); err != nil {
		return fmt.Errorf("set event counter: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, eventID string) (int, error) {
	n, err := s.rdb.Get(ctx, s.counterKey(eventID)).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("get event counter: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Reset(ctx context.Context, eventID string) error {
	if err := s.rdb.Del(ctx, s.counterKey(eventID), s.appliedKey(eventID)).Err(); err != nil {
		return fmt.Errorf("reset event counter: %w", err)
	}
	return nil
}

func (s *RedisStore) IsApplied(ctx context.Context, eventID, userID string) (bool, error) {
	applied, err := s.rdb.HExists(ctx, s.appliedKey(eventID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("check applied flag: %w", err)
	}
	return applied, nil
}

func (s *RedisStore) MarkApplied(ctx context.Context, eventID, userID string, order int) error {
	if err := s.rdb.HSet(ctx, s.appliedKey(eventID), userID, order).Err(); err != nil {
		return fmt.Errorf("mark applied: %w", err)
	}
	return nil
}

func (s *RedisStore) GetOrder(ctx context.Context, eventID, userID string) (int, bool, error) {
	order, err := s.rdb.HGet(ctx, s.appliedKey(eventID), userID).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get cached order: %w", err)
	}
	return order, true, nil
}
