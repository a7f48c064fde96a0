package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/socialdistribution/node/pkg/config"
	"github.com/socialdistribution/node/pkg/logging"
)

// Cache wraps Redis client
type Cache struct {
	client *redis.Client
	ctx    context.Context
}

// New creates a new Redis cache client
func New(cfg *config.RedisConfig) (*Cache, error) {
	if !cfg.Enabled {
		logging.GetLogger().Info("Redis cache disabled")
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.GetLogger().Info("Redis connection established")

	return &Cache{
		client: client,
		ctx:    context.Background(),
	}, nil
}

// Get retrieves a value from cache
func (c *Cache) Get(key string) (string, error) {
	if c == nil || c.client == nil {
		return "", ErrCacheDisabled
	}
	return c.client.Get(c.ctx, key).Result()
}

// Set sets a value in cache with TTL
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return ErrCacheDisabled
	}
	return c.client.Set(c.ctx, key, value, ttl).Err()
}

// Delete removes a key from cache
func (c *Cache) Delete(key string) error {
	if c == nil || c.client == nil {
		return ErrCacheDisabled
	}
	return c.client.Del(c.ctx, key).Err()
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Health checks Redis health
func (c *Cache) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return ErrCacheDisabled
	}
	return c.client.Ping(ctx).Err()
}

// Counts holds an author's cached relationship counts.
type Counts struct {
	Followers int64 `json:"followers"`
	Following int64 `json:"following"`
	Friends   int64 `json:"friends"`
}

func countsKey(authorURL string) string {
	return "author:counts:" + authorURL
}

// GetCounts retrieves cached relationship counts for an author. Returns
// (nil, nil) on a miss.
func (c *Cache) GetCounts(authorURL string) (*Counts, error) {
	raw, err := c.Get(countsKey(authorURL))
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var counts Counts
	if err := json.Unmarshal([]byte(raw), &counts); err != nil {
		return nil, err
	}
	return &counts, nil
}

// SetCounts caches relationship counts for an author
func (c *Cache) SetCounts(authorURL string, counts *Counts, ttl time.Duration) error {
	raw, err := json.Marshal(counts)
	if err != nil {
		return err
	}
	return c.Set(countsKey(authorURL), raw, ttl)
}

// InvalidateCounts drops the cached counts of the given authors. Called on
// every follow-graph transition.
func (c *Cache) InvalidateCounts(authorURLs ...string) {
	if c == nil || c.client == nil {
		return
	}
	for _, url := range authorURLs {
		if err := c.Delete(countsKey(url)); err != nil && err != redis.Nil {
			logging.GetLogger().Warn("Failed to invalidate counts cache for " + url)
		}
	}
}

var (
	// ErrCacheDisabled is returned when cache operations are attempted but cache is disabled
	ErrCacheDisabled = fmt.Errorf("cache is disabled")
)
