package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/infigaming-com/go-jetqueue/util"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisCacheConfig struct {
	Addr           string `yaml:"addr"`
	DB             int64  `yaml:"db"`
	ConnectTimeout int64  `yaml:"connect_timeout"`
}

type redisCache struct {
	lg     *zap.Logger
	client redis.UniversalClient
}

// NewRedisCache connects to redis and pings it once. Use it when several
// replicas listen on the same queue and must share dedupe state.
func NewRedisCache(lg *zap.Logger, cfg *RedisCacheConfig) (Cache, func(), error) {
	client, err := util.NewRedisClient(context.Background(), cfg.Addr, int(cfg.DB), time.Duration(cfg.ConnectTimeout)*time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("redis cache: %w", err)
	}
	lg.Info("connected to redis for cache", zap.String("addr", cfg.Addr), zap.Int("db", int(cfg.DB)))

	return NewRedisCacheFromClient(lg, client), func() {
		client.Close()
		lg.Info("closed redis connection for cache", zap.String("addr", cfg.Addr), zap.Int("db", int(cfg.DB)))
	}, nil
}

func NewRedisCacheFromClient(lg *zap.Logger, client redis.UniversalClient) Cache {
	return &redisCache{lg: lg, client: client}
}

func (c *redisCache) Set(ctx context.Context, key string, value string, expiry time.Duration) error {
	return c.client.Set(ctx, key, value, expiry).Err()
}

func (c *redisCache) SetNX(ctx context.Context, key string, value string, expiry time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, expiry).Result()
}

func (c *redisCache) Get(ctx context.Context, key string) (string, error) {
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrKeyNotFound
		}
		return "", err
	}
	return data, nil
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	n, err := c.client.Del(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Clear flushes the whole selected database.
func (c *redisCache) Clear(ctx context.Context) error {
	return c.client.FlushDB(ctx).Err()
}
