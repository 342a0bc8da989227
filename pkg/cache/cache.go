// Copyright 2025 Memoros Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache is the Redis layer: permission sets, agent result cache,
// the short-term memory tier and idempotency locks. The cache is advisory;
// the database is the source of truth, and a nil or unreachable client
// degrades every operation to a miss instead of an error the caller must
// handle.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/memoros-io/memoros/pkg/config"
	"github.com/memoros-io/memoros/pkg/logger"
)

// LockTTL bounds idempotency locks so a crashed holder cannot wedge the
// key forever.
const LockTTL = 10 * time.Minute

// Client wraps the Redis connection. The zero value and a nil pointer are
// both usable no-op clients.
type Client struct {
	rdb *redis.Client
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	opts.DialTimeout = cfg.DialTimeout
	opts.PoolSize = cfg.PoolSize

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// NewFromClient wraps an existing connection; tests pass a miniredis-backed
// client.
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close releases the connection pool.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func (c *Client) enabled() bool {
	return c != nil && c.rdb != nil
}

// GetJSON loads key into dst. Returns false on miss, on an unreachable
// cache, or on a corrupt entry (which is deleted).
func (c *Client) GetJSON(ctx context.Context, key string, dst any) bool {
	if !c.enabled() {
		return false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		logger.GetLogger().Warn("cache get failed", "key", key, "error", err)
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		logger.GetLogger().Warn("cache entry corrupt, dropping", "key", key, "error", err)
		c.rdb.Del(ctx, key)
		return false
	}
	return true
}

// SetJSON stores v under key with a TTL. Best-effort.
func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	if !c.enabled() {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		logger.GetLogger().Warn("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		logger.GetLogger().Warn("cache set failed", "key", key, "error", err)
	}
}

// Delete removes keys. Best-effort.
func (c *Client) Delete(ctx context.Context, keys ...string) {
	if !c.enabled() || len(keys) == 0 {
		return
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		logger.GetLogger().Warn("cache delete failed", "keys", keys, "error", err)
	}
}

// DeletePattern removes every key matching a glob pattern, scanning in
// batches. Used for explicit invalidation fan-out (role changes, share
// changes).
func (c *Client) DeletePattern(ctx context.Context, pattern string) {
	if !c.enabled() {
		return
	}
	iter := c.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 200 {
			c.Delete(ctx, keys...)
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		logger.GetLogger().Warn("cache scan failed", "pattern", pattern, "error", err)
	}
	c.Delete(ctx, keys...)
}

// AcquireLock takes an idempotency lock with SET NX. Returns true when this
// caller won the lock. An unreachable cache grants the lock; the database's
// own uniqueness constraints remain the hard guard.
func (c *Client) AcquireLock(ctx context.Context, key string) bool {
	if !c.enabled() {
		return true
	}
	ok, err := c.rdb.SetNX(ctx, "lock:"+key, "1", LockTTL).Result()
	if err != nil {
		logger.GetLogger().Warn("lock acquire failed", "key", key, "error", err)
		return true
	}
	return ok
}

// ReleaseLock drops an idempotency lock.
func (c *Client) ReleaseLock(ctx context.Context, key string) {
	c.Delete(ctx, "lock:"+key)
}

// IncrWindow atomically increments a windowed counter, setting the TTL on
// first touch. The second return is false when the cache is unreachable,
// so callers can fall back to local counting.
func (c *Client) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, bool) {
	return c.IncrWindowBy(ctx, key, 1, ttl)
}

// IncrWindowBy is IncrWindow with an arbitrary delta, used for token
// budgets where one enqueue consumes many units.
func (c *Client) IncrWindowBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, bool) {
	if !c.enabled() {
		return 0, false
	}
	n, err := c.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		logger.GetLogger().Warn("cache incr failed", "key", key, "error", err)
		return 0, false
	}
	if n == delta {
		c.rdb.Expire(ctx, key, ttl)
	}
	return n, true
}

// PermissionKey keys a user's effective permission set in an org.
func PermissionKey(orgID, userID string) string {
	return fmt.Sprintf("perm:%s:%s", orgID, userID)
}

// PermissionOrgPattern matches every permission set in an org, for
// org-wide invalidation when a role's grants change.
func PermissionOrgPattern(orgID string) string {
	return fmt.Sprintf("perm:%s:*", orgID)
}

// AgentResultKey keys a cached agent result. The cache key hash already
// excludes the memory id so results are reusable across memories.
func AgentResultKey(orgID, agentName, agentVersion, strategy, model, cacheKey string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s:%s:%s", orgID, agentName, agentVersion, strategy, model, cacheKey)
}

// ShortTermKey keys a short-term memory body in the cache tier.
func ShortTermKey(orgID, memoryID string) string {
	return fmt.Sprintf("stm:%s:%s", orgID, memoryID)
}

// RecommendationKey keys the 24h recommendation cache.
func RecommendationKey(orgID, userID string) string {
	return fmt.Sprintf("rec:%s:%s", orgID, userID)
}
