// Package store provides the typed surface over the cb: keyspace.
//
// Two implementations exist: RedisStore wraps go-redis v9 and executes the
// named transitions as server-side Lua scripts; MemoryStore is a
// single-writer in-process store used for tests and as a fallback when Redis
// is unreachable. Code above this package never talks to a Redis client
// directly — cmd/server creates the concrete store and injects it.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("store: key not found")

// ZMember is a member of an ordered set together with its score.
type ZMember struct {
	Member string
	Score  float64
}

// StreamEntry is one entry of an append-only stream.
type StreamEntry struct {
	ID     string
	Values map[string]string
}

// Store is the minimal keyspace interface the runtime depends on. All
// multi-key state transitions go through Eval; ad-hoc multi-key sequences
// are not atomic and must not be used where atomicity matters.
type Store interface {
	// Strings.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Hashes.
	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// Ordered sets.
	ZAdd(ctx context.Context, key string, members ...ZMember) error
	ZRangeWithScores(ctx context.Context, key string, start, stop int64, rev bool) ([]ZMember, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)

	// Lists.
	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key, value string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)

	// Streams.
	XAdd(ctx context.Context, key string, maxLen int64, values map[string]string) (string, error)
	XRange(ctx context.Context, key string, count int64) ([]StreamEntry, error)
	XLen(ctx context.Context, key string) (int64, error)

	// Sets.
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) error

	// Keys returns keys matching a glob pattern. Scan-based; not for hot paths.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Eval executes a named atomic transition. The result is the script's
	// JSON reply, decoded by the typed wrappers in scripts.go.
	Eval(ctx context.Context, script string, keys []string, args []any) (any, error)

	Close() error
}
