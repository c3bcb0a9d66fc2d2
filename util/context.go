package util

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/infigaming-com/go-jetqueue/errors"
)

type ContextKey string

const (
	CorrelationIdKey ContextKey = "CorrelationId"
	SessionIdKey     ContextKey = "SessionId"
)

func valueToCtx[T any](ctx context.Context, key ContextKey, value T) context.Context {
	return context.WithValue(ctx, key, value)
}

func valueFromCtx[T any](ctx context.Context, key ContextKey) (T, error) {
	valueFromCtx := ctx.Value(key)
	if valueFromCtx == nil {
		return *new(T), errors.NewError(ErrCodeValueNotFoundInContext, fmt.Sprintf("%v not found in context", key), nil)
	}
	value, ok := valueFromCtx.(T)
	if !ok {
		return *new(T), errors.NewError(ErrCodeInvalidValueInContext, fmt.Sprintf("%v is not of type %T on context", key, *new(T)), nil)
	}
	return value, nil
}

func CorrelationIdToCtx(ctx context.Context, correlationId string) context.Context {
	return valueToCtx(ctx, CorrelationIdKey, correlationId)
}

func CorrelationIdFromCtx(ctx context.Context) (string, error) {
	return valueFromCtx[string](ctx, CorrelationIdKey)
}

// SessionIdToCtx tags a context with the id of the listen session it belongs to.
func SessionIdToCtx(ctx context.Context, sessionId string) context.Context {
	return valueToCtx(ctx, SessionIdKey, sessionId)
}

func SessionIdFromCtx(ctx context.Context) (string, error) {
	return valueFromCtx[string](ctx, SessionIdKey)
}

// NewUUID returns a time ordered v7 id, falling back to v4 when the v7
// generator keeps failing.
func NewUUID() string {
	maxRetry := 10
	for i := 0; i < maxRetry; i++ {
		id, err := uuid.NewV7()
		if err == nil {
			return id.String()
		}
		if i < maxRetry-1 {
			// just over v7's 100ns precision
			time.Sleep(200 * time.Nanosecond)
		}
	}
	return uuid.New().String()
}
