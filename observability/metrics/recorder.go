package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/infigaming-com/go-jetqueue/jetqueue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/infigaming-com/go-jetqueue"

// Recorder turns jetqueue hooks into otel instruments.
type Recorder struct {
	jobs          metric.Int64Counter
	batches       metric.Int64Counter
	batchDuration metric.Float64Histogram
	acks          metric.Int64Counter
	unacked       metric.Int64Counter
	duplicates    metric.Int64Counter
	timeouts      metric.Int64Counter
	retries       metric.Int64Counter
	sessions      metric.Int64Counter
	open          metric.Int64UpDownCounter
	requests      metric.Int64Counter
}

func NewRecorder(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err, e error
	r.jobs, e = meter.Int64Counter("jetqueue.jobs.received", metric.WithDescription("Jobs handed to handlers"), metric.WithUnit("{job}"))
	err = errors.Join(err, e)
	r.batches, e = meter.Int64Counter("jetqueue.batches", metric.WithDescription("Batches handled"), metric.WithUnit("{batch}"))
	err = errors.Join(err, e)
	r.batchDuration, e = meter.Float64Histogram("jetqueue.batch.duration", metric.WithDescription("Handler time per batch"), metric.WithUnit("s"))
	err = errors.Join(err, e)
	r.acks, e = meter.Int64Counter("jetqueue.acks", metric.WithDescription("Ack entries sent"), metric.WithUnit("{ack}"))
	err = errors.Join(err, e)
	r.unacked, e = meter.Int64Counter("jetqueue.jobs.unacked", metric.WithDescription("Jobs whose batch finished without an ack"), metric.WithUnit("{job}"))
	err = errors.Join(err, e)
	r.duplicates, e = meter.Int64Counter("jetqueue.jobs.duplicate", metric.WithDescription("Redelivered jobs dropped"), metric.WithUnit("{job}"))
	err = errors.Join(err, e)
	r.timeouts, e = meter.Int64Counter("jetqueue.keepalive.timeouts", metric.WithDescription("Missed pongs"))
	err = errors.Join(err, e)
	r.retries, e = meter.Int64Counter("jetqueue.session.retries", metric.WithDescription("Session restarts"))
	err = errors.Join(err, e)
	r.sessions, e = meter.Int64Counter("jetqueue.sessions", metric.WithDescription("Finished sessions by result"))
	err = errors.Join(err, e)
	r.open, e = meter.Int64UpDownCounter("jetqueue.connections.open", metric.WithDescription("Open job connections"))
	err = errors.Join(err, e)
	r.requests, e = meter.Int64Counter("jetqueue.requests", metric.WithDescription("Enqueue and cancel calls by result"))
	err = errors.Join(err, e)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func result(err error) attribute.KeyValue {
	switch {
	case err == nil:
		return attribute.String("result", "ok")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return attribute.String("result", "cancelled")
	default:
		return attribute.String("result", "error")
	}
}

func (r *Recorder) Hooks() jetqueue.Hooks {
	return jetqueue.Hooks{
		OnStateChange: func(ctx context.Context, _ string, from, to jetqueue.ConnState) {
			if to == jetqueue.StateOpen {
				r.open.Add(ctx, 1)
			}
			if from == jetqueue.StateOpen {
				r.open.Add(ctx, -1)
			}
		},
		OnBatchDone: func(ctx context.Context, jobs []jetqueue.Job, took time.Duration, err error) {
			attrs := metric.WithAttributes(result(err))
			r.batches.Add(ctx, 1, attrs)
			r.jobs.Add(ctx, int64(len(jobs)))
			r.batchDuration.Record(ctx, took.Seconds(), attrs)
		},
		OnAck: func(ctx context.Context, entries []jetqueue.AckEntry) {
			for _, e := range entries {
				r.acks.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(e.Code))))
			}
		},
		OnUnacked: func(ctx context.Context, jobs []jetqueue.Job) {
			r.unacked.Add(ctx, int64(len(jobs)))
		},
		OnDuplicate: func(ctx context.Context, _ jetqueue.Job) {
			r.duplicates.Add(ctx, 1)
		},
		OnKeepaliveTimeout: func(ctx context.Context, _ string) {
			r.timeouts.Add(ctx, 1)
		},
		OnRetry: func(ctx context.Context, _ int, _ time.Duration, _ error) {
			r.retries.Add(ctx, 1)
		},
		OnSessionEnd: func(ctx context.Context, err error) {
			r.sessions.Add(ctx, 1, metric.WithAttributes(result(err)))
		},
		OnEnqueue: func(ctx context.Context, queue string, _ *jetqueue.EnqueueResponse, err error) {
			r.requests.Add(ctx, 1, metric.WithAttributes(
				attribute.String("op", "enqueue"),
				attribute.String("queue", queue),
				result(err),
			))
		},
		OnCancel: func(ctx context.Context, queue string, _ jetqueue.JobID, err error) {
			r.requests.Add(ctx, 1, metric.WithAttributes(
				attribute.String("op", "cancel"),
				attribute.String("queue", queue),
				result(err),
			))
		},
	}
}
