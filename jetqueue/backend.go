package jetqueue

import (
	"context"
	"sync"
)

// Backend is what application code enqueues to and listens on. *Queue talks
// to a remote instance; driver/inmem keeps everything in process.
type Backend interface {
	Enqueue(ctx context.Context, args map[string]any, opts *EnqueueOptions) (*EnqueueResponse, error)
	Cancel(ctx context.Context, id JobID) error
	Listen(ctx context.Context, handler Handler, lopts ListenOptions) error
}

var _ Backend = (*Queue)(nil)

type BackendFactory func(queue string) (Backend, error)

// RemoteFactory builds *Queue backends sharing opts.
func RemoteFactory(opts ...Option) BackendFactory {
	return func(queue string) (Backend, error) {
		return NewQueue(queue, opts...)
	}
}

type lazyBackend struct {
	queue   string
	factory BackendFactory

	once    sync.Once
	backend Backend
	err     error
}

// Lazy returns a Backend that builds the real one on first use. A
// construction error is kept and returned by every call.
func Lazy(queue string, factory BackendFactory) Backend {
	return &lazyBackend{queue: queue, factory: factory}
}

func (l *lazyBackend) get() (Backend, error) {
	l.once.Do(func() {
		if l.factory == nil {
			l.err = ErrInvalidOptions.Wrapf(nil, "no backend factory for queue %q", l.queue)
			return
		}
		l.backend, l.err = l.factory(l.queue)
		if l.err == nil && l.backend == nil {
			l.err = ErrInvalidOptions.Wrapf(nil, "backend factory returned nil for queue %q", l.queue)
		}
	})
	return l.backend, l.err
}

func (l *lazyBackend) Enqueue(ctx context.Context, args map[string]any, opts *EnqueueOptions) (*EnqueueResponse, error) {
	b, err := l.get()
	if err != nil {
		return nil, err
	}
	return b.Enqueue(ctx, args, opts)
}

func (l *lazyBackend) Cancel(ctx context.Context, id JobID) error {
	b, err := l.get()
	if err != nil {
		return err
	}
	return b.Cancel(ctx, id)
}

func (l *lazyBackend) Listen(ctx context.Context, handler Handler, lopts ListenOptions) error {
	b, err := l.get()
	if err != nil {
		return err
	}
	return b.Listen(ctx, handler, lopts)
}

var (
	registryMu sync.Mutex
	registry   = map[string]Backend{}
)

// Use returns the process-wide backend for queue, registering a lazy one
// built by factory on first call. Later factories for the same queue are
// ignored.
func Use(queue string, factory BackendFactory) Backend {
	registryMu.Lock()
	defer registryMu.Unlock()
	if b, ok := registry[queue]; ok {
		return b
	}
	b := Lazy(queue, factory)
	registry[queue] = b
	return b
}

// ResetRegistry forgets every backend registered through Use.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = map[string]Backend{}
}
