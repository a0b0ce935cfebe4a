package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/store"
)

var (
	localCacheOnce sync.Once
	localCache     *gocache.Cache
)

func local() *gocache.Cache {
	localCacheOnce.Do(func() {
		localCache = gocache.New(gocache.NoExpiration, time.Minute)
	})
	return localCache
}

// fingerprint canonicalizes the input (json.Marshal sorts map keys) and
// hashes it.
func fingerprint(input map[string]any) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// Cache is the read-through response cache for descriptors that opt in with
// a CacheTTL. Two tiers: a short-lived in-process tier in front of the
// cb:cache keys in the store. Only successful responses are written.
func Cache(deps Deps) registry.Middleware {
	return func(d *registry.Descriptor, next registry.Handler) registry.Handler {
		if d.CacheTTL <= 0 {
			return next
		}
		localTTL := deps.Defaults.CacheLocalTTL
		if localTTL > d.CacheTTL {
			localTTL = d.CacheTTL
		}
		return func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
			fp, err := fingerprint(inv.Input)
			if err != nil {
				return next(ctx, inv)
			}
			key := store.CacheKey(d.Event, fp)

			if cached, hit := local().Get(key); hit {
				if out, ok := cached.(map[string]any); ok {
					if deps.Metrics != nil {
						deps.Metrics.CacheHits.WithLabelValues(d.Event, "local").Inc()
					}
					return out, nil
				}
			}
			if raw, gerr := deps.Store.Get(ctx, key); gerr == nil {
				var out map[string]any
				if json.Unmarshal([]byte(raw), &out) == nil {
					if deps.Metrics != nil {
						deps.Metrics.CacheHits.WithLabelValues(d.Event, "store").Inc()
					}
					local().Set(key, out, localTTL)
					return out, nil
				}
			}

			out, err := next(ctx, inv)
			if err != nil {
				return nil, err
			}
			if data, merr := json.Marshal(out); merr == nil {
				if serr := deps.Store.Set(ctx, key, string(data), d.CacheTTL); serr != nil {
					slog.Warn("[Cache] Write failed", "event", d.Event, "error", serr)
				}
				local().Set(key, out, localTTL)
			}
			return out, nil
		}
	}
}
