package jetqueue

import (
	"net/http"
	"time"

	"github.com/infigaming-com/go-jetqueue/cache"
	"github.com/infigaming-com/go-jetqueue/request"
	"go.uber.org/zap"
)

const (
	DefaultInstance          = "jetqueue"
	DefaultBatchTimeout      = 100 * time.Millisecond
	DefaultKeepaliveInterval = time.Second
	DefaultRequestTimeout    = 3 * time.Second
	DefaultDedupeTTL         = 10 * time.Minute
)

type Option func(*options)

type options struct {
	instance       string
	resolver       EndpointResolver
	dialer         Dialer
	logger         *zap.Logger
	hooks          Hooks
	requestTimeout time.Duration
	requestRetries int
	requestBackoff time.Duration
	httpClient     *http.Client
	requestDebug   bool
	dedupe         *dedupeConfig
}

type dedupeConfig struct {
	cache cache.Cache
	ttl   time.Duration
}

func defaultOptions() options {
	return options{
		instance:       DefaultInstance,
		dialer:         NewWebsocketDialer(),
		logger:         zap.L(),
		requestTimeout: DefaultRequestTimeout,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithInstance names the backend instance handed to the resolver.
func WithInstance(name string) Option {
	return func(o *options) {
		if name != "" {
			o.instance = name
		}
	}
}

func WithResolver(r EndpointResolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

func WithDialer(d Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
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

func WithHooks(h Hooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithRequestRetry retries enqueue and cancel calls on transient transport
// failures. HTTP error statuses are returned as-is.
func WithRequestRetry(retries int, backoff time.Duration) Option {
	return func(o *options) {
		if retries > 0 {
			o.requestRetries = retries
			o.requestBackoff = backoff
		}
	}
}

// WithHTTPClient replaces the shared client used for enqueue and cancel.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithRequestDebug logs every enqueue and cancel exchange at debug level.
func WithRequestDebug(enabled bool) Option {
	return func(o *options) {
		o.requestDebug = enabled
	}
}

// WithDeduplication drops jobs whose id was already delivered within ttl.
func WithDeduplication(c cache.Cache, ttl time.Duration) Option {
	return func(o *options) {
		if c == nil {
			o.dedupe = nil
			return
		}
		if ttl <= 0 {
			ttl = DefaultDedupeTTL
		}
		o.dedupe = &dedupeConfig{cache: c, ttl: ttl}
	}
}

func (o *options) requestOptions() []request.Option {
	opts := []request.Option{
		request.WithLogger(o.logger),
		request.WithRequestTimeout(o.requestTimeout),
		request.WithDebugEnabled(o.requestDebug),
	}
	if o.httpClient != nil {
		opts = append(opts, request.WithHttpClient(o.httpClient))
	}
	if o.requestRetries > 0 {
		opts = append(opts, request.WithRetry(o.requestRetries, o.requestBackoff))
	}
	return opts
}

type ListenOptions struct {
	// BatchSize is the most jobs handed to one handler call.
	BatchSize int
	// BufferSize tells the backend how many unacked jobs it may keep in
	// flight to this client. Ignored by Subscriber, which takes it per queue.
	BufferSize int
	// BatchTimeout bounds how long a partial batch waits for more jobs.
	BatchTimeout time.Duration
	// KeepaliveInterval is both the ping period and the pong deadline.
	KeepaliveInterval time.Duration
	// Retry, when set, re-opens the session after retryable failures.
	Retry *RetryPolicy
}

func (l ListenOptions) normalized() ListenOptions {
	if l.BatchTimeout <= 0 {
		l.BatchTimeout = DefaultBatchTimeout
	}
	if l.KeepaliveInterval <= 0 {
		l.KeepaliveInterval = DefaultKeepaliveInterval
	}
	return l
}

func (l ListenOptions) validate(needBufferSize bool) error {
	if l.BatchSize <= 0 {
		return ErrInvalidOptions.Wrapf(nil, "batch size must be positive, got %d", l.BatchSize)
	}
	if needBufferSize && l.BufferSize <= 0 {
		return ErrInvalidOptions.Wrapf(nil, "buffer size must be positive, got %d", l.BufferSize)
	}
	return nil
}

// RetryPolicy controls Supervise. MaxAttempts counts consecutive failed
// sessions; zero means the default of 5 and a negative value retries forever.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
	// ResetAfter forgets earlier failures once a session stayed up this long.
	ResetAfter time.Duration
	// RetryHandlerErrors also restarts the session after a handler error.
	RetryHandlerErrors bool
}

func (r RetryPolicy) normalized() RetryPolicy {
	if r.Multiplier <= 0 {
		r.Multiplier = 2
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = 200 * time.Millisecond
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = 30 * time.Second
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.ResetAfter <= 0 {
		r.ResetAfter = time.Minute
	}
	return r
}
