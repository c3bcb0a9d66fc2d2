// Package batch groups individually arriving items into batches bounded by a
// maximum size and a maximum latency.
package batch

import (
	"context"
	"sync"
	"time"
)

type entry[T any] struct {
	item      T
	arrivedAt time.Time
}

// Batcher buffers pushed items until a consumer asks for the next batch.
// Push is safe to call from any goroutine and never blocks; Next must be
// called from a single consumer.
type Batcher[T any] struct {
	size    int
	timeout time.Duration

	mu     sync.Mutex
	buf    []entry[T]
	signal chan struct{}
}

func New[T any](size int, timeout time.Duration) *Batcher[T] {
	if size <= 0 {
		size = 1
	}
	if timeout < 0 {
		timeout = 0
	}
	return &Batcher[T]{
		size:    size,
		timeout: timeout,
		signal:  make(chan struct{}, 1),
	}
}

func (b *Batcher[T]) Push(items ...T) {
	if len(items) == 0 {
		return
	}
	now := time.Now()
	b.mu.Lock()
	for _, it := range items {
		b.buf = append(b.buf, entry[T]{item: it, arrivedAt: now})
	}
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Next blocks until a batch is ready. It first waits, with no timer, for the
// buffer to become non-empty. It then waits until either the buffer holds a
// full batch or the oldest buffered item has waited for the timeout, and
// returns at most size items in arrival order. Surplus stays buffered.
// Next never returns an empty batch without an error.
func (b *Batcher[T]) Next(ctx context.Context) ([]T, error) {
	oldest, n := b.peek()
	for n == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.signal:
		}
		oldest, n = b.peek()
	}

	if n < b.size {
		if wait := b.timeout - time.Since(oldest); wait > 0 {
			if err := b.await(ctx, wait); err != nil {
				return nil, err
			}
		}
	}
	return b.take(), nil
}

func (b *Batcher[T]) await(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-b.signal:
			if b.Len() >= b.size {
				return nil
			}
		}
	}
}

func (b *Batcher[T]) peek() (time.Time, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == 0 {
		return time.Time{}, 0
	}
	return b.buf[0].arrivedAt, len(b.buf)
}

func (b *Batcher[T]) take() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := min(len(b.buf), b.size)
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = b.buf[i].item
	}
	b.buf = append([]entry[T](nil), b.buf[n:]...)
	return out
}
