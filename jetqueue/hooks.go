package jetqueue

import (
	"context"
	"time"
)

// Hooks observe the client. Every field is optional. Hooks run on the
// goroutine that triggered them and must not block.
type Hooks struct {
	OnStateChange      func(ctx context.Context, endpoint string, from, to ConnState)
	OnBatch            func(ctx context.Context, jobs []Job)
	OnBatchDone        func(ctx context.Context, jobs []Job, took time.Duration, err error)
	OnAck              func(ctx context.Context, entries []AckEntry)
	OnUnacked          func(ctx context.Context, jobs []Job)
	OnDuplicate        func(ctx context.Context, job Job)
	OnKeepaliveTimeout func(ctx context.Context, endpoint string)
	OnSessionEnd       func(ctx context.Context, err error)
	OnRetry            func(ctx context.Context, attempt int, delay time.Duration, err error)
	OnEnqueue          func(ctx context.Context, queue string, resp *EnqueueResponse, err error)
	OnCancel           func(ctx context.Context, queue string, id JobID, err error)
}

// ChainHooks calls each set of hooks in order.
func ChainHooks(all ...Hooks) Hooks {
	var out Hooks
	for _, h := range all {
		h := h
		if f := h.OnStateChange; f != nil {
			prev := out.OnStateChange
			out.OnStateChange = func(ctx context.Context, endpoint string, from, to ConnState) {
				if prev != nil {
					prev(ctx, endpoint, from, to)
				}
				f(ctx, endpoint, from, to)
			}
		}
		if f := h.OnBatch; f != nil {
			prev := out.OnBatch
			out.OnBatch = func(ctx context.Context, jobs []Job) {
				if prev != nil {
					prev(ctx, jobs)
				}
				f(ctx, jobs)
			}
		}
		if f := h.OnBatchDone; f != nil {
			prev := out.OnBatchDone
			out.OnBatchDone = func(ctx context.Context, jobs []Job, took time.Duration, err error) {
				if prev != nil {
					prev(ctx, jobs, took, err)
				}
				f(ctx, jobs, took, err)
			}
		}
		if f := h.OnAck; f != nil {
			prev := out.OnAck
			out.OnAck = func(ctx context.Context, entries []AckEntry) {
				if prev != nil {
					prev(ctx, entries)
				}
				f(ctx, entries)
			}
		}
		if f := h.OnUnacked; f != nil {
			prev := out.OnUnacked
			out.OnUnacked = func(ctx context.Context, jobs []Job) {
				if prev != nil {
					prev(ctx, jobs)
				}
				f(ctx, jobs)
			}
		}
		if f := h.OnDuplicate; f != nil {
			prev := out.OnDuplicate
			out.OnDuplicate = func(ctx context.Context, job Job) {
				if prev != nil {
					prev(ctx, job)
				}
				f(ctx, job)
			}
		}
		if f := h.OnKeepaliveTimeout; f != nil {
			prev := out.OnKeepaliveTimeout
			out.OnKeepaliveTimeout = func(ctx context.Context, endpoint string) {
				if prev != nil {
					prev(ctx, endpoint)
				}
				f(ctx, endpoint)
			}
		}
		if f := h.OnSessionEnd; f != nil {
			prev := out.OnSessionEnd
			out.OnSessionEnd = func(ctx context.Context, err error) {
				if prev != nil {
					prev(ctx, err)
				}
				f(ctx, err)
			}
		}
		if f := h.OnRetry; f != nil {
			prev := out.OnRetry
			out.OnRetry = func(ctx context.Context, attempt int, delay time.Duration, err error) {
				if prev != nil {
					prev(ctx, attempt, delay, err)
				}
				f(ctx, attempt, delay, err)
			}
		}
		if f := h.OnEnqueue; f != nil {
			prev := out.OnEnqueue
			out.OnEnqueue = func(ctx context.Context, queue string, resp *EnqueueResponse, err error) {
				if prev != nil {
					prev(ctx, queue, resp, err)
				}
				f(ctx, queue, resp, err)
			}
		}
		if f := h.OnCancel; f != nil {
			prev := out.OnCancel
			out.OnCancel = func(ctx context.Context, queue string, id JobID, err error) {
				if prev != nil {
					prev(ctx, queue, id, err)
				}
				f(ctx, queue, id, err)
			}
		}
	}
	return out
}
