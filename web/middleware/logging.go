package middleware

import (
	"bytes"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/infigaming-com/go-jetqueue/util"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const maxLoggedBody = 1024

type loggingMiddlewareOptions struct {
	lg           *zap.Logger
	debugEnabled bool
	excludePaths []string
}

type LoggingMiddlewareOption func(*loggingMiddlewareOptions)

func WithLogger(lg *zap.Logger) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		if lg != nil {
			o.lg = lg
		}
	}
}

func WithDebugEnabled(debugEnabled bool) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.debugEnabled = debugEnabled
	}
}

// WithExcludePaths skips logging for these paths, e.g. long lived websocket
// upgrades.
func WithExcludePaths(excludePaths ...string) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.excludePaths = append(o.excludePaths, excludePaths...)
	}
}

func defaultLoggingMiddlewareOptions() *loggingMiddlewareOptions {
	return &loggingMiddlewareOptions{
		lg:           zap.L(),
		debugEnabled: true,
	}
}

func LoggingMiddleware(opts ...LoggingMiddlewareOption) gin.HandlerFunc {
	cfg := defaultLoggingMiddlewareOptions()
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		if !cfg.debugEnabled || lo.Contains(cfg.excludePaths, c.Request.URL.Path) {
			c.Next()
			return
		}

		correlationId, err := util.CorrelationIdFromCtx(c.Request.Context())
		if err != nil {
			correlationId = ""
		}

		startTime := time.Now()
		var requestBody []byte
		if c.Request.Body != nil {
			requestBody, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
		}

		rw := &responseWriter{ResponseWriter: c.Writer, body: bytes.NewBuffer([]byte{})}
		c.Writer = rw

		c.Next()

		responseBody := rw.body.Bytes()
		if len(responseBody) > maxLoggedBody {
			responseBody = responseBody[:maxLoggedBody]
		}
		cfg.lg.Debug("[HTTP-SERVER]",
			zap.String("correlationId", correlationId),
			zap.String("method", c.Request.Method),
			zap.String("url", c.Request.URL.String()),
			zap.ByteString("requestBody", requestBody),
			zap.Int("status", c.Writer.Status()),
			zap.ByteString("responseBody", responseBody),
			zap.Duration("duration", time.Since(startTime)),
		)
	}
}
