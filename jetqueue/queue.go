package jetqueue

import (
	"context"
	"net/url"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/infigaming-com/go-jetqueue/request"
	"go.uber.org/zap"
)

// Queue is a client for one named queue on a backend instance.
type Queue struct {
	name string
	opts options
}

func NewQueue(name string, opts ...Option) (*Queue, error) {
	if err := validateQueueName(name); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	o.logger = o.logger.With(zap.String("queue", name), zap.String("instance", o.instance))
	return &Queue{name: name, opts: o}, nil
}

func (q *Queue) Name() string {
	return q.name
}

// Listen streams batches of this queue's jobs to handler. It returns when
// ctx is done or the session fails; see ListenOptions.Retry for
// reconnecting.
func (q *Queue) Listen(ctx context.Context, handler Handler, lopts ListenOptions) error {
	if handler == nil {
		return ErrInvalidOptions.Wrapf(nil, "handler required")
	}
	lopts = lopts.normalized()
	if err := lopts.validate(true); err != nil {
		return err
	}
	query := url.Values{}
	query.Set("queue", q.name)
	query.Set("size", strconv.Itoa(lopts.BufferSize))
	return listen(ctx, &q.opts, query, q.name, handler, lopts)
}

func (q *Queue) Enqueue(ctx context.Context, args map[string]any, eopts *EnqueueOptions) (resp *EnqueueResponse, err error) {
	defer func() {
		if q.opts.hooks.OnEnqueue != nil {
			q.opts.hooks.OnEnqueue(ctx, q.name, resp, err)
		}
	}()
	if err := eopts.Validate(); err != nil {
		return nil, err
	}
	target, err := q.endpoint(ctx, "/jobs")
	if err != nil {
		return nil, err
	}
	status, body, err := request.PostJson(ctx, target, newEnqueueBody(q.name, args, eopts), q.opts.requestOptions()...)
	if err != nil {
		return nil, ErrRequest.Wrapf(err, "enqueue to %s", q.name)
	}
	if !request.IsSuccess(status) {
		return nil, newRequestError(status, body)
	}
	var out EnqueueResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, ErrMalformedMessage.Wrapf(err, "enqueue response %q", truncate(body))
	}
	q.opts.logger.Debug("jetqueue job enqueued",
		zap.Int64("jobId", int64(out.ID)),
		zap.Bool("isConflict", out.IsConflict),
	)
	return &out, nil
}

// Cancel asks the backend to cancel job id.
func (q *Queue) Cancel(ctx context.Context, id JobID) (err error) {
	defer func() {
		if q.opts.hooks.OnCancel != nil {
			q.opts.hooks.OnCancel(ctx, q.name, id, err)
		}
	}()
	target, err := q.endpoint(ctx, "/jobs/"+id.String())
	if err != nil {
		return err
	}
	status, body, err := request.Delete(ctx, target, q.opts.requestOptions()...)
	if err != nil {
		return ErrRequest.Wrapf(err, "cancel job %d", id)
	}
	if !request.IsSuccess(status) {
		return newRequestError(status, body)
	}
	return nil
}

func (q *Queue) endpoint(ctx context.Context, path string) (string, error) {
	if q.opts.resolver == nil {
		return "", ErrEndpointResolution.Wrapf(nil, "no resolver for instance %q", q.opts.instance)
	}
	base, err := q.opts.resolver.Resolve(ctx, q.opts.instance)
	if err != nil {
		return "", ErrEndpointResolution.Wrapf(err, "instance %q", q.opts.instance)
	}
	u, err := AppendPath(base, path)
	if err != nil {
		return "", ErrEndpointResolution.Wrapf(err, "instance %q", q.opts.instance)
	}
	return u.String(), nil
}
