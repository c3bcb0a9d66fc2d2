// Package config loads a jetqueue client configuration from YAML and turns
// it into jetqueue options.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coocood/freecache"
	"github.com/infigaming-com/go-jetqueue/cache"
	"github.com/infigaming-com/go-jetqueue/jetqueue"
	"github.com/infigaming-com/go-jetqueue/resolver"
	"github.com/infigaming-com/go-jetqueue/util"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// EndpointEnvPrefix followed by the upper-cased instance name overrides the
// endpoint from the file, e.g. JETQUEUE_ENDPOINT_MAIN.
const EndpointEnvPrefix = "JETQUEUE_ENDPOINT_"

type Config struct {
	Instance      string                  `yaml:"instance"`
	Endpoints     map[string]string       `yaml:"endpoints"`
	RedisResolver *RedisResolverConfig    `yaml:"redis_resolver"`
	Queue         string                  `yaml:"queue"`
	Subscriptions []jetqueue.Subscription `yaml:"subscriptions"`
	Listen        ListenConfig            `yaml:"listen"`
	Retry         *RetryConfig            `yaml:"retry"`
	Dedupe        *DedupeConfig           `yaml:"dedupe"`
	Request       RequestConfig           `yaml:"request"`
	LogLevel      string                  `yaml:"log_level"`
	Metrics       MetricsConfig           `yaml:"metrics"`
}

type RedisResolverConfig struct {
	Addr     string        `yaml:"addr"`
	DB       int           `yaml:"db"`
	HashKey  string        `yaml:"hash_key"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type ListenConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	BufferSize        int           `yaml:"buffer_size"`
	BatchTimeout      time.Duration `yaml:"batch_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

type RetryConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	InitialBackoff     time.Duration `yaml:"initial_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	Multiplier         float64       `yaml:"multiplier"`
	Jitter             float64       `yaml:"jitter"`
	ResetAfter         time.Duration `yaml:"reset_after"`
	RetryHandlerErrors bool          `yaml:"retry_handler_errors"`
}

// DedupeConfig keeps delivered ids in freecache unless Redis is set.
type DedupeConfig struct {
	TTL       time.Duration           `yaml:"ttl"`
	CacheSize int                     `yaml:"cache_size"`
	Redis     *cache.RedisCacheConfig `yaml:"redis"`
}

type RequestConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

type MetricsConfig struct {
	Port         int    `yaml:"port"`
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPGRPC     string `yaml:"otlp_grpc_endpoint"`
}

// Load reads path, applies env overrides and defaults, then validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func endpointEnv(instance string) string {
	return EndpointEnvPrefix + strings.ToUpper(strings.ReplaceAll(instance, "-", "_"))
}

func (c *Config) applyEnv() {
	instance := lo.Ternary(c.Instance == "", jetqueue.DefaultInstance, c.Instance)
	for _, name := range lo.Uniq(append(lo.Keys(c.Endpoints), instance)) {
		if v, ok := os.LookupEnv(endpointEnv(name)); ok && v != "" {
			if c.Endpoints == nil {
				c.Endpoints = map[string]string{}
			}
			c.Endpoints[name] = v
		}
	}
}

func (c *Config) InitDefaults() {
	if c.Instance == "" {
		c.Instance = jetqueue.DefaultInstance
	}
	if c.Listen.BatchTimeout == 0 {
		c.Listen.BatchTimeout = jetqueue.DefaultBatchTimeout
	}
	if c.Listen.KeepaliveInterval == 0 {
		c.Listen.KeepaliveInterval = jetqueue.DefaultKeepaliveInterval
	}
	if c.Request.Timeout == 0 {
		c.Request.Timeout = jetqueue.DefaultRequestTimeout
	}
	if c.RedisResolver != nil {
		if c.RedisResolver.HashKey == "" {
			c.RedisResolver.HashKey = resolver.DefaultHashKey
		}
	}
	if c.Dedupe != nil {
		if c.Dedupe.TTL == 0 {
			c.Dedupe.TTL = jetqueue.DefaultDedupeTTL
		}
		if c.Dedupe.CacheSize == 0 {
			c.Dedupe.CacheSize = 8 * 1024 * 1024
		}
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.ServiceName == "" {
		c.Metrics.ServiceName = "jetqueue-worker"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) Validate() error {
	if c.Queue != "" && len(c.Subscriptions) > 0 {
		return fmt.Errorf("queue and subscriptions are mutually exclusive")
	}
	if c.Queue == "" && len(c.Subscriptions) == 0 {
		return fmt.Errorf("either queue or subscriptions must be set")
	}
	if c.Listen.BatchSize <= 0 {
		return fmt.Errorf("listen.batch_size must be positive, got %d", c.Listen.BatchSize)
	}
	if c.Queue != "" && c.Listen.BufferSize <= 0 {
		return fmt.Errorf("listen.buffer_size must be positive, got %d", c.Listen.BufferSize)
	}
	if c.RedisResolver == nil && c.Endpoints[c.Instance] == "" {
		return fmt.Errorf("no endpoint for instance %q: set endpoints.%s, %s or redis_resolver",
			c.Instance, c.Instance, endpointEnv(c.Instance))
	}
	if c.RedisResolver != nil && c.RedisResolver.Addr == "" {
		return fmt.Errorf("redis_resolver.addr is required")
	}
	return nil
}

func (c *Config) ListenOptions() jetqueue.ListenOptions {
	lopts := jetqueue.ListenOptions{
		BatchSize:         c.Listen.BatchSize,
		BufferSize:        c.Listen.BufferSize,
		BatchTimeout:      c.Listen.BatchTimeout,
		KeepaliveInterval: c.Listen.KeepaliveInterval,
	}
	if c.Retry != nil {
		lopts.Retry = &jetqueue.RetryPolicy{
			MaxAttempts:        c.Retry.MaxAttempts,
			InitialBackoff:     c.Retry.InitialBackoff,
			MaxBackoff:         c.Retry.MaxBackoff,
			Multiplier:         c.Retry.Multiplier,
			Jitter:             c.Retry.Jitter,
			ResetAfter:         c.Retry.ResetAfter,
			RetryHandlerErrors: c.Retry.RetryHandlerErrors,
		}
	}
	return lopts
}

// NewResolver prefers redis when configured. Static endpoints from the file
// and environment are used otherwise.
func (c *Config) NewResolver(lg *zap.Logger) (jetqueue.EndpointResolver, func(), error) {
	if c.RedisResolver == nil {
		return jetqueue.StaticResolver(lo.Assign(c.Endpoints)), func() {}, nil
	}
	client, err := util.NewRedisClient(context.Background(), c.RedisResolver.Addr, c.RedisResolver.DB, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("redis resolver: %w", err)
	}
	opts := []resolver.Option{
		resolver.WithHashKey(c.RedisResolver.HashKey),
		resolver.WithLogger(lg),
	}
	if c.RedisResolver.CacheTTL > 0 {
		opts = append(opts, resolver.WithCache(cache.NewFreeCache(freecache.NewCache(1024*1024)), c.RedisResolver.CacheTTL))
	}
	return resolver.NewRedisResolver(client, opts...), func() {
		client.Close()
	}, nil
}

// NewDedupeCache returns nil when dedupe is off.
func (c *Config) NewDedupeCache(lg *zap.Logger) (cache.Cache, func(), error) {
	if c.Dedupe == nil {
		return nil, func() {}, nil
	}
	if c.Dedupe.Redis != nil {
		return cache.NewRedisCache(lg, c.Dedupe.Redis)
	}
	return cache.NewFreeCacheWithSize(c.Dedupe.CacheSize), func() {}, nil
}

// ClientOptions builds everything a Queue or Subscriber needs from the file.
// extra is appended last so callers can add hooks or override the logger.
func (c *Config) ClientOptions(lg *zap.Logger, extra ...jetqueue.Option) ([]jetqueue.Option, func(), error) {
	res, closeResolver, err := c.NewResolver(lg)
	if err != nil {
		return nil, nil, err
	}
	dedupe, closeDedupe, err := c.NewDedupeCache(lg)
	if err != nil {
		closeResolver()
		return nil, nil, err
	}

	opts := []jetqueue.Option{
		jetqueue.WithInstance(c.Instance),
		jetqueue.WithResolver(res),
		jetqueue.WithLogger(lg),
		jetqueue.WithRequestTimeout(c.Request.Timeout),
		jetqueue.WithRequestRetry(c.Request.Retries, c.Request.Backoff),
	}
	if dedupe != nil {
		opts = append(opts, jetqueue.WithDeduplication(dedupe, c.Dedupe.TTL))
	}
	return append(opts, extra...), func() {
		closeDedupe()
		closeResolver()
	}, nil
}
