package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coocood/freecache"
)

type freeCache struct {
	cache *freecache.Cache
}

// NewFreeCache wraps an in-process freecache. A few megabytes is plenty for
// job id dedupe and endpoint lookups.
func NewFreeCache(cache *freecache.Cache) Cache {
	return &freeCache{cache: cache}
}

// NewFreeCacheWithSize allocates the underlying freecache as well.
func NewFreeCacheWithSize(sizeBytes int) Cache {
	return NewFreeCache(freecache.NewCache(sizeBytes))
}

func ttlSeconds(expiry time.Duration) int {
	ttl := int(expiry.Seconds())
	if ttl <= 0 {
		// sub-second expiries round up rather than becoming "never expire"
		if expiry > 0 {
			return 1
		}
		return 0
	}
	return ttl
}

func (c *freeCache) Set(ctx context.Context, key string, value string, expiry time.Duration) error {
	if err := c.cache.Set([]byte(key), []byte(value), ttlSeconds(expiry)); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (c *freeCache) SetNX(ctx context.Context, key string, value string, expiry time.Duration) (bool, error) {
	prev, err := c.cache.GetOrSet([]byte(key), []byte(value), ttlSeconds(expiry))
	if err != nil {
		return false, fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return prev == nil, nil
}

func (c *freeCache) Get(ctx context.Context, key string) (string, error) {
	data, err := c.cache.Get([]byte(key))
	if err != nil {
		if errors.Is(err, freecache.ErrNotFound) {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return string(data), nil
}

func (c *freeCache) Delete(ctx context.Context, key string) error {
	if c.cache.Del([]byte(key)) {
		return nil
	}
	return ErrKeyNotFound
}

func (c *freeCache) Clear(ctx context.Context) error {
	c.cache.Clear()
	return nil
}
