package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/pkg/config"
	"github.com/yidan233/FeatureFlow/pkg/model"
)

// ConfigCache holds pre-joined flag snapshots in two tiers: a short-lived
// in-process map in front of Redis. Redis is the shared tier both planes
// agree on; the local tier only ever serves entries younger than its TTL
// and is dropped eagerly on invalidation (directly, via the admin HTTP
// hook, or via the NATS fanout for other replicas).
type ConfigCache struct {
	redis  *redis.Client
	logger zerolog.Logger

	prefix   string
	ttl      time.Duration
	localTTL time.Duration

	mu    sync.RWMutex
	local map[string]localEntry

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type localEntry struct {
	snap    *model.FlagSnapshot
	expires time.Time
}

// Stats holds cache performance counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	LocalSize int   `json:"local_size"`
}

// Key builds the canonical cache key for a (flag, environment) pair.
func Key(flagKey, env string) string {
	return fmt.Sprintf("flag_config:%s:%s", flagKey, env)
}

// New creates a config cache around an open Redis client.
func New(client *redis.Client, cfg *config.Config, logger zerolog.Logger) *ConfigCache {
	return &ConfigCache{
		redis:    client,
		logger:   logger.With().Str("component", "config_cache").Logger(),
		prefix:   cfg.Redis.KeyPrefix,
		ttl:      cfg.Flags.CacheTTL,
		localTTL: cfg.Flags.LocalCacheTTL,
		local:    make(map[string]localEntry),
	}
}

// ConnectRedis opens a Redis client from configuration and verifies the
// connection.
func ConnectRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.GetRedisAddr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.Database,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info().Str("addr", cfg.GetRedisAddr()).Msg("Redis connection established")
	return client, nil
}

// Get returns the cached snapshot for (flag, env), or (nil, nil) on a
// clean miss. Errors indicate an unreachable cache, which callers treat
// as a miss with degraded freshness.
func (c *ConfigCache) Get(ctx context.Context, flagKey, env string) (*model.FlagSnapshot, error) {
	key := Key(flagKey, env)

	if snap := c.localGet(key); snap != nil {
		c.hits.Add(1)
		return snap, nil
	}

	data, err := c.redis.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.misses.Add(1)
			return nil, nil
		}
		return nil, fmt.Errorf("cache read failed: %w", err)
	}

	var snap model.FlagSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode cached snapshot: %w", err)
	}
	c.localSet(key, &snap)
	c.hits.Add(1)
	return &snap, nil
}

// Set stores a snapshot in both tiers with the configured TTL. The TTL is
// a safety net for stale keys, not the freshness mechanism; invalidation
// on the mutation path is.
func (c *ConfigCache) Set(ctx context.Context, flagKey, env string, snap *model.FlagSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	key := Key(flagKey, env)
	if err := c.redis.Set(ctx, c.redisKey(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache write failed: %w", err)
	}
	c.localSet(key, snap)
	return nil
}

// Invalidate removes one (flag, env) entry from both tiers.
func (c *ConfigCache) Invalidate(ctx context.Context, flagKey, env string) error {
	c.DropLocal(flagKey, env)
	if err := c.redis.Del(ctx, c.redisKey(Key(flagKey, env))).Err(); err != nil {
		return fmt.Errorf("cache invalidation failed: %w", err)
	}
	c.evictions.Add(1)
	c.logger.Info().Str("flag_key", flagKey).Str("environment", env).Msg("Cache entry invalidated")
	return nil
}

// InvalidateFlag removes every environment's entry for a flag via
// SCAN+DEL and returns the number of keys deleted.
func (c *ConfigCache) InvalidateFlag(ctx context.Context, flagKey string) (int, error) {
	c.DropLocal(flagKey, "")

	pattern := c.redisKey(Key(flagKey, "*"))
	iter := c.redis.Scan(ctx, 0, pattern, 100).Iterator()
	deleted := 0
	for iter.Next(ctx) {
		if err := c.redis.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("cache invalidation failed: %w", err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("cache scan failed: %w", err)
	}
	c.evictions.Add(int64(deleted))
	c.logger.Info().Str("flag_key", flagKey).Int("keys", deleted).Msg("Cache entries invalidated")
	return deleted, nil
}

// DropLocal removes entries from the in-process tier only. An empty env
// drops every environment of the flag. Used by the NATS fanout, where the
// Redis tier has already been invalidated by the control plane.
func (c *ConfigCache) DropLocal(flagKey, env string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if env != "" {
		delete(c.local, Key(flagKey, env))
		return
	}
	prefix := fmt.Sprintf("flag_config:%s:", flagKey)
	for k := range c.local {
		if strings.HasPrefix(k, prefix) {
			delete(c.local, k)
		}
	}
}

// Keys lists the cached (flag, env) keys in Redis, without the process
// prefix. Diagnostic only.
func (c *ConfigCache) Keys(ctx context.Context) ([]string, error) {
	pattern := c.redisKey("flag_config:*")
	iter := c.redis.Scan(ctx, 0, pattern, 100).Iterator()
	keys := []string{}
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), c.prefix+":"))
	}
	return keys, iter.Err()
}

// Stats returns cache counters.
func (c *ConfigCache) Stats() Stats {
	c.mu.RLock()
	size := len(c.local)
	c.mu.RUnlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		LocalSize: size,
	}
}

// Ping verifies Redis connectivity.
func (c *ConfigCache) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

func (c *ConfigCache) redisKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

func (c *ConfigCache) localGet(key string) *model.FlagSnapshot {
	c.mu.RLock()
	entry, ok := c.local[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return nil
	}
	return entry.snap
}

func (c *ConfigCache) localSet(key string, snap *model.FlagSnapshot) {
	if c.localTTL <= 0 {
		return
	}
	c.mu.Lock()
	c.local[key] = localEntry{snap: snap, expires: time.Now().Add(c.localTTL)}
	c.mu.Unlock()
}
