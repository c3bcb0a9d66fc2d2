package request

import (
	"bytes"
	"context"
	"errors"
	"io"
	"maps"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/infigaming-com/go-jetqueue/util"
	"go.uber.org/zap"
)

var (
	httpClient *http.Client
	once       sync.Once
)

const CorrelationIdHeader = "X-Correlation-ID"

type requestOption struct {
	lg                   *zap.Logger
	client               *http.Client
	debugEnabled         bool
	requestHeaders       map[string]string
	requestBody          []byte
	requestTimeout       time.Duration
	slowRequestThreshold time.Duration
	maxRetries           int
	retryBackoff         time.Duration
}

type Option interface {
	apply(option *requestOption) error
}

type optionFunc func(option *requestOption) error

func (f optionFunc) apply(option *requestOption) error {
	return f(option)
}

func defaultRequestOption() *requestOption {
	return &requestOption{
		lg:                   zap.L(),
		requestHeaders:       map[string]string{},
		requestTimeout:       3 * time.Second,
		slowRequestThreshold: 5 * time.Second,
		retryBackoff:         time.Second,
	}
}

func WithLogger(lg *zap.Logger) Option {
	return optionFunc(func(option *requestOption) error {
		if lg != nil {
			option.lg = lg
		}
		return nil
	})
}

// WithHttpClient replaces the shared client, mostly for tests.
func WithHttpClient(client *http.Client) Option {
	return optionFunc(func(option *requestOption) error {
		option.client = client
		return nil
	})
}

func WithDebugEnabled(debugEnabled bool) Option {
	return optionFunc(func(option *requestOption) error {
		option.debugEnabled = debugEnabled
		return nil
	})
}

func WithRequestHeaders(requestHeaders map[string]string) Option {
	return optionFunc(func(option *requestOption) error {
		maps.Copy(option.requestHeaders, requestHeaders)
		return nil
	})
}

func WithRequestBodyFromJson(requestBody any) Option {
	return optionFunc(func(option *requestOption) error {
		jsonBody, err := json.Marshal(requestBody)
		if err != nil {
			option.lg.Error("[HTTP-REQUEST-ERROR: failed to marshal request body]",
				zap.Error(err),
				zap.Any("requestBody", requestBody),
			)
			return ErrInvalidRequestBody.Wrap(err)
		}
		option.requestBody = jsonBody
		return nil
	})
}

func WithRequestTimeout(requestTimeout time.Duration) Option {
	return optionFunc(func(option *requestOption) error {
		if requestTimeout > 0 {
			option.requestTimeout = requestTimeout
		}
		return nil
	})
}

func WithSlowRequestThreshold(slowRequestThreshold time.Duration) Option {
	return optionFunc(func(option *requestOption) error {
		if slowRequestThreshold <= 0 {
			return ErrInvalidSlowRequestThreshold.Wrapf(nil, "%v", slowRequestThreshold)
		}
		option.slowRequestThreshold = slowRequestThreshold
		return nil
	})
}

// WithRetry retries transient transport failures (timeouts, refused or reset
// connections) up to maxRetries times, waiting backoff*attempt in between.
// HTTP error statuses are never retried here.
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return optionFunc(func(option *requestOption) error {
		if maxRetries < 0 {
			maxRetries = 0
		}
		option.maxRetries = maxRetries
		if backoff > 0 {
			option.retryBackoff = backoff
		}
		return nil
	})
}

func getHttpClient() *http.Client {
	once.Do(func() {
		httpClient = &http.Client{
			Timeout: 0,
		}
	})
	return httpClient
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// Request sends one HTTP request. A non-2xx status is not an error at this
// layer: callers get the status and body and decide.
func Request(ctx context.Context, method string, requestUrl string, options ...Option) (httpStatusCode int, responseBody []byte, err error) {
	start := time.Now()

	option := defaultRequestOption()
	for _, opt := range options {
		if err := opt.apply(option); err != nil {
			return 0, nil, err
		}
	}

	defer func() {
		fields := []zap.Field{
			zap.String("method", method),
			zap.String("url", requestUrl),
			zap.Any("requestHeaders", option.requestHeaders),
			zap.ByteString("requestBody", option.requestBody),
			zap.Int("httpStatusCode", httpStatusCode),
			zap.ByteString("responseBody", responseBody),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			option.lg.Error("[HTTP-REQUEST-ERROR]", append(fields, zap.Error(err))...)
			return
		}
		if option.debugEnabled {
			option.lg.Debug("[HTTP-REQUEST-DEBUG]", fields...)
		}
	}()

	maxAttempts := option.maxRetries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * option.retryBackoff
			option.lg.Info("[HTTP-REQUEST-RETRY]",
				zap.Int("attempt", attempt),
				zap.Int("maxAttempts", maxAttempts),
				zap.Duration("backoff", backoff),
				zap.String("method", method),
				zap.String("url", requestUrl),
			)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return 0, nil, ctx.Err()
			case <-timer.C:
			}
		}

		httpStatusCode, responseBody, err = doRequest(ctx, method, requestUrl, option)
		if err == nil {
			return httpStatusCode, responseBody, nil
		}
		if ctx.Err() != nil || !isRetryableError(err) || attempt == maxAttempts {
			return httpStatusCode, responseBody, err
		}
		option.lg.Warn("[HTTP-REQUEST-RETRYABLE-ERROR]",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", maxAttempts),
			zap.String("method", method),
			zap.String("url", requestUrl),
		)
	}
	return httpStatusCode, responseBody, err
}

func doRequest(ctx context.Context, method string, requestUrl string, option *requestOption) (int, []byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, option.requestTimeout)
	defer cancel()

	var bodyReader io.Reader
	if option.requestBody != nil {
		bodyReader = bytes.NewReader(option.requestBody)
	}
	req, err := http.NewRequestWithContext(timeoutCtx, method, requestUrl, bodyReader)
	if err != nil {
		return 0, nil, ErrFailedToCreateRequest.Wrap(err)
	}

	correlationId, ctxErr := util.CorrelationIdFromCtx(ctx)
	if ctxErr != nil {
		correlationId = util.NewUUID()
	}
	req.Header.Set(CorrelationIdHeader, correlationId)
	for k, v := range option.requestHeaders {
		req.Header.Set(k, v)
	}

	client := option.client
	if client == nil {
		client = getHttpClient()
	}

	requestStart := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, ErrFailedToSendRequest.Wrap(err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, ErrFailedToReadResponseBody.Wrap(err)
	}

	if requestDuration := time.Since(requestStart); requestDuration > option.slowRequestThreshold {
		option.lg.Warn("[HTTP-REQUEST-SLOW]",
			zap.String("method", method),
			zap.String("url", requestUrl),
			zap.Int("httpStatusCode", resp.StatusCode),
			zap.Duration("duration", requestDuration),
		)
	}

	return resp.StatusCode, responseBody, nil
}

func jsonHeaders() map[string]string {
	return map[string]string{
		"Accept":       "application/json",
		"Content-Type": "application/json",
	}
}

// PostJson marshals v as the body of a JSON POST.
func PostJson(ctx context.Context, requestUrl string, v any, options ...Option) (int, []byte, error) {
	options = append([]Option{WithRequestHeaders(jsonHeaders()), WithRequestBodyFromJson(v)}, options...)
	return Request(ctx, http.MethodPost, requestUrl, options...)
}

func Delete(ctx context.Context, requestUrl string, options ...Option) (int, []byte, error) {
	options = append([]Option{WithRequestHeaders(jsonHeaders())}, options...)
	return Request(ctx, http.MethodDelete, requestUrl, options...)
}

// IsSuccess reports whether status is 2xx.
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}
