// Package resolver looks up jetqueue backend endpoints in redis.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/infigaming-com/go-jetqueue/cache"
	"github.com/infigaming-com/go-jetqueue/jetqueue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultHashKey = "jetqueue:endpoints"

var ErrInstanceNotFound = errors.New("instance not found")

type options struct {
	key      string
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *zap.Logger
}

type Option func(*options)

// WithHashKey sets the redis hash holding instance -> base url.
func WithHashKey(key string) Option {
	return func(o *options) {
		if key != "" {
			o.key = key
		}
	}
}

// WithCache keeps resolved endpoints locally for ttl.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(o *options) {
		if c != nil && ttl > 0 {
			o.cache = c
			o.cacheTTL = ttl
		}
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(o *options) {
		if lg != nil {
			o.logger = lg
		}
	}
}

// Endpoint is the locally cached result of a lookup.
type Endpoint struct {
	BaseURL    string    `json:"base_url"`
	ResolvedAt time.Time `json:"resolved_at"`
}

type RedisResolver struct {
	client redis.UniversalClient
	opts   options
}

var _ jetqueue.EndpointResolver = (*RedisResolver)(nil)

func NewRedisResolver(client redis.UniversalClient, opts ...Option) *RedisResolver {
	o := options{
		key:    DefaultHashKey,
		logger: zap.L(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisResolver{client: client, opts: o}
}

func (r *RedisResolver) cacheKey(instance string) string {
	return fmt.Sprintf("%s:%s", r.opts.key, instance)
}

func (r *RedisResolver) Resolve(ctx context.Context, instance string) (string, error) {
	if r.opts.cache != nil {
		cached, err := cache.GetTyped[Endpoint](ctx, r.opts.cache, r.cacheKey(instance))
		if err == nil && cached.BaseURL != "" {
			return cached.BaseURL, nil
		}
		if err != nil && !errors.Is(err, cache.ErrKeyNotFound) {
			r.opts.logger.Warn("endpoint cache read failed", zap.String("instance", instance), zap.Error(err))
		}
	}

	base, err := r.client.HGet(ctx, r.opts.key, instance).Result()
	if errors.Is(err, redis.Nil) || (err == nil && base == "") {
		return "", fmt.Errorf("%w: %q in %s", ErrInstanceNotFound, instance, r.opts.key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve instance %q: %w", instance, err)
	}

	if r.opts.cache != nil {
		entry := Endpoint{BaseURL: base, ResolvedAt: time.Now()}
		if err := cache.SetTyped(ctx, r.opts.cache, r.cacheKey(instance), entry, r.opts.cacheTTL); err != nil {
			r.opts.logger.Warn("endpoint cache write failed", zap.String("instance", instance), zap.Error(err))
		}
	}
	r.opts.logger.Debug("resolved endpoint", zap.String("instance", instance), zap.String("endpoint", base))
	return base, nil
}

// Register stores base for instance and drops any locally cached value.
func (r *RedisResolver) Register(ctx context.Context, instance, base string) error {
	if err := r.client.HSet(ctx, r.opts.key, instance, base).Err(); err != nil {
		return fmt.Errorf("failed to register instance %q: %w", instance, err)
	}
	if r.opts.cache != nil {
		if err := r.opts.cache.Delete(ctx, r.cacheKey(instance)); err != nil && !errors.Is(err, cache.ErrKeyNotFound) {
			return err
		}
	}
	return nil
}
