package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/datagrid/internal/pkg/logger"
)

// Key namespaces. Each logical use gets its own prefix so invalidations
// cannot collide across concerns.
const (
	PrefixCount    = "csv_count:"
	PrefixPage     = "csv_page:"
	PrefixColumns  = "csv_columns:"
	PrefixProgress = "upload_progress:"
	PrefixJobState = "job_state:"
)

// Gateway is a thin layer over a TTL key-value store. Cache failures are
// never surfaced to callers: reads degrade to misses, writes and
// invalidations to no-ops. Values are stored as opaque JSON payloads.
type Gateway struct {
	client *redis.Client
}

// New creates a cache gateway on the given Redis client.
func New(client *redis.Client) *Gateway {
	return &Gateway{client: client}
}

// Get loads the value at key into dest. Returns false on a miss, on a
// backend error, or when the payload does not decode.
func (g *Gateway) Get(ctx context.Context, key string, dest interface{}) bool {
	data, err := g.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		logger.Warn("cache get failed, treating as miss", "key", key, "error", err.Error())
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		logger.Warn("cache payload undecodable, treating as miss", "key", key, "error", err.Error())
		return false
	}
	return true
}

// Set stores val at key with the given TTL. Failures are logged only.
func (g *Gateway) Set(ctx context.Context, key string, val interface{}, ttl time.Duration) {
	data, err := json.Marshal(val)
	if err != nil {
		logger.Warn("cache set skipped, value not serializable", "key", key, "error", err.Error())
		return
	}
	if err := g.client.Set(ctx, key, data, ttl).Err(); err != nil {
		logger.Warn("cache set failed", "key", key, "error", err.Error())
	}
}

// Delete removes a single key, best-effort.
func (g *Gateway) Delete(ctx context.Context, key string) {
	if err := g.client.Del(ctx, key).Err(); err != nil {
		logger.Warn("cache delete failed", "key", key, "error", err.Error())
	}
}

// InvalidatePrefix deletes every key under the given prefix. This is
// best-effort by contract: it needs SCAN support from the backend, and
// any failure leaves stale entries behind rather than erroring. Stale
// entries expire via their TTLs anyway.
func (g *Gateway) InvalidatePrefix(ctx context.Context, prefix string) {
	var cursor uint64
	for {
		keys, next, err := g.client.Scan(ctx, cursor, prefix+"*", 500).Result()
		if err != nil {
			logger.Warn("cache invalidation skipped", "prefix", prefix, "error", err.Error())
			return
		}
		if len(keys) > 0 {
			if err := g.client.Del(ctx, keys...).Err(); err != nil {
				logger.Warn("cache invalidation partial", "prefix", prefix, "error", err.Error())
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}
