package throttle

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each window as a sorted set of hit timestamps so every API
// instance shares the same counters.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps a client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Add(ctx context.Context, key string, cost int, window time.Duration, now time.Time) (int, error) {
	score := float64(now.UnixMilli())
	members := make([]redis.Z, 0, cost)
	for range cost {
		members = append(members, redis.Z{Score: score, Member: uuid.NewString()})
	}

	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-window).UnixMilli(), 10))
		if len(members) > 0 {
			pipe.ZAdd(ctx, key, members...)
		}
		card = pipe.ZCard(ctx, key)
		pipe.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

func (s *RedisStore) Block(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, key, until.UnixMilli(), ttl).Err()
}

func (s *RedisStore) BlockedUntil(ctx context.Context, key string, now time.Time) (time.Time, error) {
	ms, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	until := time.UnixMilli(ms)
	if !until.After(now) {
		return time.Time{}, nil
	}
	return until, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}
