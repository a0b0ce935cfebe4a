package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store over go-redis v9. Atomic transitions run as
// server-side Lua scripts (EVALSHA with automatic EVAL fallback via
// redis.Script), so they never interleave with other commands on the store.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to Redis and verifies connectivity with a ping.
// Callers decide whether to fall back to the in-memory store on error.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("[Store] Redis connected", "addr", addr, "db", db)
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.PExpire(ctx, key, ttl).Err()
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	flat := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		flat = append(flat, f, v)
	}
	return s.rdb.HSet(ctx, key, flat...).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return s.rdb.HIncrBy(ctx, key, field, delta).Result()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	return s.rdb.ZAdd(ctx, key, zs...).Err()
}

func (s *RedisStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64, rev bool) ([]ZMember, error) {
	var zs []redis.Z
	var err error
	if rev {
		zs, err = s.rdb.ZRevRangeWithScores(ctx, key, start, stop).Result()
	} else {
		zs, err = s.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
	}
	if err != nil {
		return nil, err
	}
	out := make([]ZMember, len(zs))
	for i, z := range zs {
		out[i] = ZMember{Member: fmt.Sprint(z.Member), Score: z.Score}
	}
	return out, nil
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	return s.rdb.ZRemRangeByScore(ctx, key,
		fmt.Sprintf("%f", min), fmt.Sprintf("%f", max)).Result()
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return s.rdb.ZRem(ctx, key, ifaces...).Err()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	ifaces := make([]interface{}, len(values))
	for i, v := range values {
		ifaces[i] = v
	}
	return s.rdb.RPush(ctx, key, ifaces...).Err()
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) LRem(ctx context.Context, key, value string) error {
	return s.rdb.LRem(ctx, key, 1, value).Err()
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.rdb.LTrim(ctx, key, start, stop).Err()
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, key).Result()
}

func (s *RedisStore) XAdd(ctx context.Context, key string, maxLen int64, values map[string]string) (string, error) {
	ifaces := make(map[string]interface{}, len(values))
	for f, v := range values {
		ifaces[f] = v
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: maxLen,
		Approx: true,
		Values: ifaces,
	}).Result()
}

func (s *RedisStore) XRange(ctx context.Context, key string, count int64) ([]StreamEntry, error) {
	msgs, err := s.rdb.XRangeN(ctx, key, "-", "+", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]StreamEntry, len(msgs))
	for i, m := range msgs {
		values := make(map[string]string, len(m.Values))
		for f, v := range m.Values {
			values[f] = fmt.Sprint(v)
		}
		out[i] = StreamEntry{ID: m.ID, Values: values}
	}
	return out, nil
}

func (s *RedisStore) XLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.XLen(ctx, key).Result()
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return s.rdb.SAdd(ctx, key, ifaces...).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.rdb.SIsMember(ctx, key, member).Result()
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.SCard(ctx, key).Result()
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return s.rdb.SRem(ctx, key, ifaces...).Err()
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

func (s *RedisStore) Eval(ctx context.Context, script string, keys []string, args []any) (any, error) {
	sc, ok := luaScripts[script]
	if !ok {
		return nil, fmt.Errorf("unknown script %q", script)
	}
	return sc.Run(ctx, s.rdb, keys, args...).Result()
}
