package util

import (
	"log"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const LogLevelEnv = "LOG_LEVEL"

type LoggerOption func(*zap.Config)

// WithLogLevel overrides the level taken from LOG_LEVEL.
func WithLogLevel(level zapcore.Level) LoggerOption {
	return func(cfg *zap.Config) {
		cfg.Level = zap.NewAtomicLevelAt(level)
	}
}

func WithOutputPaths(paths ...string) LoggerOption {
	return func(cfg *zap.Config) {
		if len(paths) > 0 {
			cfg.OutputPaths = paths
		}
	}
}

// ParseLogLevel accepts either a zap level number ("-1", "0") or a name
// ("debug", "warn"). Anything else yields info.
func ParseLogLevel(value string) zapcore.Level {
	value = strings.TrimSpace(value)
	if n, err := strconv.Atoi(value); err == nil {
		return zapcore.Level(n)
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(value))); err == nil {
		return level
	}
	return zapcore.InfoLevel
}

func loggerConfig() zap.Config {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(ParseLogLevel(os.Getenv(LogLevelEnv)))
	zapCfg.EncoderConfig.CallerKey = "ln"
	zapCfg.EncoderConfig.FunctionKey = ""
	zapCfg.EncoderConfig.LevelKey = "severity"
	zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.OutputPaths = []string{"stdout"}
	return zapCfg
}

// NewLogger builds the production logger and installs it as the zap global.
// The returned func restores the previous global and flushes.
func NewLogger(opts ...LoggerOption) (*zap.Logger, func()) {
	zapCfg := loggerConfig()
	for _, opt := range opts {
		opt(&zapCfg)
	}

	logger, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("fail to init logger, error: %v", err)
	}

	undo := zap.ReplaceGlobals(logger)

	return logger, func() {
		undo()
		_ = logger.Sync()
	}
}
