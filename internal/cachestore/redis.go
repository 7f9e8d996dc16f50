package cachestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCommands adapts a *redis.Client to the Commands interface.
type RedisCommands struct {
	Client *redis.Client
}

func NewRedisCommands(addr string) *RedisCommands {
	return &RedisCommands{Client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (c *RedisCommands) HSet(ctx context.Context, key string, fields map[string]string) error {
	values := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	return c.Client.HSet(ctx, key, values...).Err()
}

func (c *RedisCommands) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.Client.Expire(ctx, key, ttl).Err()
}

func (c *RedisCommands) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return c.Client.LPush(ctx, key, args...).Err()
}

func (c *RedisCommands) LTrim(ctx context.Context, key string, start, stop int64) error {
	return c.Client.LTrim(ctx, key, start, stop).Err()
}

func (c *RedisCommands) ZAdd(ctx context.Context, key string, member string, score float64) error {
	return c.Client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (c *RedisCommands) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	return c.Client.ZRemRangeByRank(ctx, key, start, stop).Err()
}

func (c *RedisCommands) Keys(ctx context.Context, pattern string) ([]string, error) {
	return c.Client.Keys(ctx, pattern).Result()
}

func (c *RedisCommands) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.Client.HGetAll(ctx, key).Result()
}

func (c *RedisCommands) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.Client.LRange(ctx, key, start, stop).Result()
}

func (c *RedisCommands) LLen(ctx context.Context, key string) (int64, error) {
	return c.Client.LLen(ctx, key).Result()
}

func (c *RedisCommands) ZRangeByScore(ctx context.Context, key string, minExclusive float64, offset, count int64) ([]ZEntry, error) {
	res, err := c.Client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:    "(" + formatFloat(minExclusive),
		Max:    "+inf",
		Offset: offset,
		Count:  count,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ZEntry, len(res))
	for i, z := range res {
		out[i] = ZEntry{Member: fmt.Sprint(z.Member), Score: z.Score}
	}
	return out, nil
}
