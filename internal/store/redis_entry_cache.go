package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/basis-company/data-registry/internal/model"
	"github.com/basis-company/data-registry/internal/retry"
)

// redisKeyPrefix namespaces registry entries inside a shared Redis instance.
// The adapter owns the prefix; callers only ever see plain record keys.
const redisKeyPrefix = "registry:record:"

// RedisEntryCache implements EntryCache for Redis
type RedisEntryCache struct {
	client      *redis.Client
	retryPolicy retry.Policy
	logger      *zap.Logger
}

// NewRedisEntryCache creates a new Redis entry cache
func NewRedisEntryCache(host string, port int, password string, db int, retryPolicy retry.Policy, logger *zap.Logger) (EntryCache, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisEntryCache{
		client:      client,
		retryPolicy: retryPolicy,
		logger:      logger,
	}, nil
}

// ReadEntry retrieves a cache entry
func (c *RedisEntryCache) ReadEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	var data []byte
	err := c.retryPolicy.Do(ctx, c.logger, "read_entry", func(ctx context.Context) error {
		b, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
		if err == redis.Nil {
			return retry.Permanent(ErrCacheMiss)
		}
		if err != nil {
			return err
		}
		data = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	var entry model.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}

	return &entry, nil
}

// WriteEntry stores a cache entry with a TTL. Redis expires the key on its
// own; ExpiresAt inside the payload lets readers double-check.
func (c *RedisEntryCache) WriteEntry(ctx context.Context, entry *model.CacheEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	return c.retryPolicy.Do(ctx, c.logger, "write_entry", func(ctx context.Context) error {
		return c.client.Set(ctx, redisKeyPrefix+entry.Key, data, ttl).Err()
	})
}

// Evict removes a cache entry
func (c *RedisEntryCache) Evict(ctx context.Context, key string) error {
	return c.retryPolicy.Do(ctx, c.logger, "evict_entry", func(ctx context.Context) error {
		return c.client.Del(ctx, redisKeyPrefix+key).Err()
	})
}

// ScanKeys walks the registry's keys in Redis incrementally
func (c *RedisEntryCache) ScanKeys(ctx context.Context, cursor string, count int) ([]string, string, error) {
	var redisCursor uint64
	if cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid scan cursor %q: %w", cursor, err)
		}
		redisCursor = parsed
	}

	var keys []string
	var next uint64
	err := c.retryPolicy.Do(ctx, c.logger, "scan_keys", func(ctx context.Context) error {
		k, n, err := c.client.Scan(ctx, redisCursor, redisKeyPrefix+"*", int64(count)).Result()
		if err != nil {
			return err
		}
		keys = k
		next = n
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	stripped := make([]string, 0, len(keys))
	for _, k := range keys {
		stripped = append(stripped, strings.TrimPrefix(k, redisKeyPrefix))
	}

	nextCursor := ""
	if next != 0 {
		nextCursor = strconv.FormatUint(next, 10)
	}

	return stripped, nextCursor, nil
}

// Ping checks the Redis connection
func (c *RedisEntryCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (c *RedisEntryCache) Close() error {
	return c.client.Close()
}
