package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisConnectTimeout = 5 * time.Second

// NewRedisClient dials addr and pings it once. The client is closed again
// when the ping fails.
func NewRedisClient(ctx context.Context, addr string, db int, connectTimeout time.Duration) (*redis.Client, error) {
	if connectTimeout <= 0 {
		connectTimeout = defaultRedisConnectTimeout
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	timeoutCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if _, err := redisClient.Ping(timeoutCtx).Result(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return redisClient, nil
}
