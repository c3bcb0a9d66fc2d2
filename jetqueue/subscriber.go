package jetqueue

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Subscription names one queue of a multi-queue connection. BufferSize is
// the number of unacked jobs the backend may keep in flight for it.
type Subscription struct {
	Name       string `json:"name" yaml:"name"`
	BufferSize int    `json:"buffer_size" yaml:"buffer_size"`
}

func (s Subscription) String() string {
	return fmt.Sprintf("%s:%d", s.Name, s.BufferSize)
}

// Subscriber consumes several queues over one connection. Every delivered
// job carries the queue it came from, and acks built from it route back to
// that queue.
type Subscriber struct {
	subs []Subscription
	opts options
}

func NewSubscriber(subs []Subscription, opts ...Option) (*Subscriber, error) {
	if len(subs) == 0 {
		return nil, ErrInvalidOptions.Wrapf(nil, "at least one subscription required")
	}
	seen := map[string]struct{}{}
	for _, s := range subs {
		if err := validateQueueName(s.Name); err != nil {
			return nil, err
		}
		if s.BufferSize <= 0 {
			return nil, ErrInvalidOptions.Wrapf(nil, "queue %q: buffer size must be positive, got %d", s.Name, s.BufferSize)
		}
		if _, dup := seen[s.Name]; dup {
			return nil, ErrInvalidOptions.Wrapf(nil, "queue %q subscribed twice", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	o := buildOptions(opts)
	o.logger = o.logger.With(zap.Strings("queues", lo.Map(subs, func(s Subscription, _ int) string {
		return s.Name
	})), zap.String("instance", o.instance))
	return &Subscriber{subs: append([]Subscription(nil), subs...), opts: o}, nil
}

func (s *Subscriber) Subscriptions() []Subscription {
	return append([]Subscription(nil), s.subs...)
}

// Queues is the descriptor sent as the queues query parameter.
func (s *Subscriber) Queues() string {
	return strings.Join(lo.Map(s.subs, func(sub Subscription, _ int) string {
		return sub.String()
	}), ",")
}

// Listen behaves like Queue.Listen. lopts.BufferSize is ignored in favour of
// the per-subscription sizes.
func (s *Subscriber) Listen(ctx context.Context, handler Handler, lopts ListenOptions) error {
	if handler == nil {
		return ErrInvalidOptions.Wrapf(nil, "handler required")
	}
	lopts = lopts.normalized()
	if err := lopts.validate(false); err != nil {
		return err
	}
	query := url.Values{}
	query.Set("queues", s.Queues())
	return listen(ctx, &s.opts, query, "", handler, lopts)
}

func validateQueueName(name string) error {
	if name == "" {
		return ErrInvalidOptions.Wrapf(nil, "queue name required")
	}
	if strings.ContainsAny(name, ":,") {
		return ErrInvalidOptions.Wrapf(nil, "queue name %q must not contain ':' or ','", name)
	}
	return nil
}
