package jetqueue

import (
	"context"
	"errors"
	"time"

	"github.com/infigaming-com/go-jetqueue/jetqueue/internal/backoff"
	"go.uber.org/zap"
)

// Supervise calls run until it returns nil, returns an error the policy does
// not retry, exhausts MaxAttempts consecutive failures, or ctx is done. Only
// WithLogger and WithHooks are meaningful in opts.
func Supervise(ctx context.Context, policy RetryPolicy, run func(ctx context.Context) error, opts ...Option) error {
	o := buildOptions(opts)
	return supervise(ctx, policy, run, &o)
}

func supervise(ctx context.Context, policy RetryPolicy, run func(ctx context.Context) error, o *options) error {
	policy = policy.normalized()
	bo := backoff.New(backoff.Config{
		Initial:    policy.InitialBackoff,
		Max:        policy.MaxBackoff,
		Multiplier: policy.Multiplier,
		Jitter:     policy.Jitter,
	})
	for {
		started := time.Now()
		err := run(ctx)
		if err == nil || ctx.Err() != nil {
			return err
		}
		if !policy.Retryable(err) {
			return err
		}
		if time.Since(started) >= policy.ResetAfter {
			bo.Reset()
		}
		failures := bo.Attempts() + 1
		if policy.MaxAttempts > 0 && failures >= policy.MaxAttempts {
			o.logger.Error("jetqueue giving up", zap.Int("failures", failures), zap.Error(err))
			return err
		}
		delay := bo.Next()
		o.logger.Warn("jetqueue session failed, retrying",
			zap.Int("attempt", bo.Attempts()),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if o.hooks.OnRetry != nil {
			o.hooks.OnRetry(ctx, bo.Attempts(), delay, err)
		}
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return ctx.Err()
		case <-tmr.C:
		}
	}
}

// Retryable reports whether a failed session should be started again.
// Resolution failures never are; handler failures only on request.
func (r RetryPolicy) Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrEndpointResolution):
		return false
	case errors.Is(err, ErrConnection), errors.Is(err, ErrKeepaliveTimeout), errors.Is(err, ErrMalformedMessage):
		return true
	case errors.Is(err, ErrHandler):
		return r.RetryHandlerErrors
	default:
		return false
	}
}
