package jetqueue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/infigaming-com/go-jetqueue/cache"
	"github.com/infigaming-com/go-jetqueue/jetqueue/internal/batch"
	"github.com/infigaming-com/go-jetqueue/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler receives batches one at a time. The next batch is not handed out
// before Handle returns. A returned error ends the listen session.
type Handler interface {
	Handle(ctx context.Context, jobs []Job, acker Acker) error
}

type HandlerFunc func(ctx context.Context, jobs []Job, acker Acker) error

func (f HandlerFunc) Handle(ctx context.Context, jobs []Job, acker Acker) error {
	return f(ctx, jobs, acker)
}

const releaseTimeout = 2 * time.Second

type jobKey struct {
	queue string
	id    JobID
}

func keyOf(job Job) jobKey {
	return jobKey{queue: job.Queue, id: job.ID}
}

type session struct {
	// ctx carries the session id for hooks called outside the group.
	ctx     context.Context
	ch      *channel
	opts    *options
	lopts   ListenOptions
	queue   string
	handler Handler
	batcher *batch.Batcher[Job]
	logger  *zap.Logger

	// pending holds every accepted job, buffered or handed out, until it is
	// acked or its batch finishes.
	mu      sync.Mutex
	pending map[jobKey]Job

	failed chan error
}

// listen runs one session, or a supervised series of them when the listen
// options carry a retry policy.
func listen(ctx context.Context, o *options, query url.Values, queue string, handler Handler, lopts ListenOptions) error {
	run := func(ctx context.Context) error {
		return runSession(ctx, o, query, queue, handler, lopts)
	}
	if lopts.Retry == nil {
		return run(ctx)
	}
	return supervise(ctx, *lopts.Retry, run, o)
}

// runSession resolves and dials, then runs the reader, the keepalive and the
// delivery loop until one of them fails or ctx is done. A cancelled ctx is
// reported as ctx.Err().
func runSession(ctx context.Context, o *options, query url.Values, queue string, handler Handler, lopts ListenOptions) (err error) {
	sessionId := util.NewUUID()
	ctx = util.SessionIdToCtx(ctx, sessionId)
	defer func() {
		if o.hooks.OnSessionEnd != nil {
			o.hooks.OnSessionEnd(ctx, err)
		}
	}()

	ch, err := openChannel(ctx, o, query)
	if err != nil {
		return err
	}

	s := &session{
		ctx:     ctx,
		ch:      ch,
		opts:    o,
		lopts:   lopts,
		queue:   queue,
		handler: handler,
		batcher: batch.New[Job](lopts.BatchSize, lopts.BatchTimeout),
		logger: ch.logger.With(
			zap.String("sessionId", sessionId),
			zap.String("query", query.Encode()),
		),
		pending: map[jobKey]Job{},
		failed:  make(chan error, 1),
	}
	s.logger.Info("jetqueue session started",
		zap.Int("batchSize", lopts.BatchSize),
		zap.Duration("batchTimeout", lopts.BatchTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.read(gctx)
	})
	g.Go(func() error {
		return ch.keepalive(gctx, lopts.KeepaliveInterval)
	})
	g.Go(func() error {
		return s.deliver(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			ch.close(ctx, ctx.Err() == nil)
			return nil
		case err := <-s.failed:
			ch.close(ctx, true)
			return err
		}
	})

	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	s.releasePending()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Info("jetqueue session stopped", zap.Int("buffered", s.batcher.Len()))
	} else {
		s.logger.Error("jetqueue session failed", zap.Error(err), zap.Int("buffered", s.batcher.Len()))
	}
	return err
}

func (s *session) fail(err error) {
	select {
	case s.failed <- err:
	default:
	}
}

func (s *session) read(ctx context.Context) error {
	for {
		data, err := s.ch.read()
		if err != nil {
			if ctx.Err() != nil || s.ch.isClosed() {
				return nil
			}
			return ErrConnection.Wrapf(err, "read from %s", s.ch.endpoint)
		}
		kind, jobs, err := decodeFrame(data)
		if err != nil {
			return err
		}
		switch kind {
		case framePing:
			if err := s.ch.send([]byte(pongFrame)); err != nil {
				return err
			}
		case framePong:
			s.ch.markPong()
		case frameJobs:
			s.accept(ctx, jobs)
		}
	}
}

// accept hands received jobs to the batcher. It never waits on the handler.
func (s *session) accept(ctx context.Context, jobs []Job) {
	accepted := jobs[:0]
	for _, job := range jobs {
		if job.Queue == "" {
			job.Queue = s.queue
		}
		if s.duplicate(ctx, job) {
			continue
		}
		accepted = append(accepted, job)
	}
	s.mu.Lock()
	for _, job := range accepted {
		s.pending[keyOf(job)] = job
	}
	s.mu.Unlock()
	s.batcher.Push(accepted...)
}

func (s *session) dedupeKey(k jobKey) string {
	return fmt.Sprintf("jetqueue:%s:%s:%d", s.opts.instance, k.queue, k.id)
}

func (s *session) duplicate(ctx context.Context, job Job) bool {
	d := s.opts.dedupe
	if d == nil {
		return false
	}
	fresh, err := d.cache.SetNX(ctx, s.dedupeKey(keyOf(job)), job.ID.String(), d.ttl)
	if err != nil {
		s.logger.Warn("jetqueue dedupe lookup failed", zap.Int64("jobId", int64(job.ID)), zap.Error(err))
		return false
	}
	if fresh {
		return false
	}
	s.logger.Debug("jetqueue dropped duplicate job", zap.Int64("jobId", int64(job.ID)), zap.String("queue", job.Queue))
	if s.opts.hooks.OnDuplicate != nil {
		s.opts.hooks.OnDuplicate(ctx, job)
	}
	return true
}

// release forgets dedupe entries so the backend's redelivery of these jobs
// reaches the handler.
func (s *session) release(ctx context.Context, keys []jobKey) {
	d := s.opts.dedupe
	if d == nil {
		return
	}
	for _, k := range keys {
		err := d.cache.Delete(ctx, s.dedupeKey(k))
		if err != nil && !errors.Is(err, cache.ErrKeyNotFound) {
			s.logger.Warn("jetqueue dedupe release failed", zap.Int64("jobId", int64(k.id)), zap.Error(err))
		}
	}
}

// releasePending runs once the session is over. Jobs still pending were
// never terminally acked, so the backend will send them again.
func (s *session) releasePending() {
	s.mu.Lock()
	keys := make([]jobKey, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	s.pending = map[jobKey]Job{}
	s.mu.Unlock()
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), releaseTimeout)
	defer cancel()
	s.release(ctx, keys)
}

// ackKey finds the pending job an entry refers to. Entries without a queue
// match by id alone.
func (s *session) ackKey(e AckEntry) jobKey {
	if e.Queue != "" {
		return jobKey{queue: e.Queue, id: e.ID}
	}
	if s.queue != "" {
		return jobKey{queue: s.queue, id: e.ID}
	}
	for k := range s.pending {
		if k.id == e.ID {
			return k
		}
	}
	return jobKey{id: e.ID}
}

func (s *session) deliver(ctx context.Context) error {
	for {
		jobs, err := s.batcher.Next(ctx)
		if err != nil {
			return nil
		}
		if err := s.handle(ctx, jobs); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *session) handle(ctx context.Context, jobs []Job) error {
	if s.opts.hooks.OnBatch != nil {
		s.opts.hooks.OnBatch(ctx, jobs)
	}
	start := time.Now()
	err := s.invoke(ctx, jobs)
	took := time.Since(start)
	if s.opts.hooks.OnBatchDone != nil {
		s.opts.hooks.OnBatchDone(ctx, jobs, took, err)
	}
	s.logger.Debug("jetqueue batch handled",
		zap.Int("batch", len(jobs)),
		zap.Duration("took", took),
		zap.Error(err),
	)
	s.reportUnacked(ctx, jobs)
	if err != nil {
		return ErrHandler.Wrapf(err, "batch of %d", len(jobs))
	}
	return nil
}

func (s *session) invoke(ctx context.Context, jobs []Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.handler.Handle(ctx, jobs, s)
}

// reportUnacked forgets the jobs of a finished batch, reporting the ones the
// handler never acked.
func (s *session) reportUnacked(ctx context.Context, jobs []Job) {
	var unacked []Job
	s.mu.Lock()
	for _, job := range jobs {
		if _, ok := s.pending[keyOf(job)]; ok {
			unacked = append(unacked, job)
			delete(s.pending, keyOf(job))
		}
	}
	s.mu.Unlock()
	if len(unacked) == 0 {
		return
	}
	keys := make([]jobKey, len(unacked))
	for i, job := range unacked {
		keys[i] = keyOf(job)
	}
	s.release(context.WithoutCancel(ctx), keys)
	ids := make([]int64, len(unacked))
	for i, job := range unacked {
		ids[i] = int64(job.ID)
	}
	s.logger.Warn("jetqueue batch finished with unacked jobs", zap.Int64s("jobIds", ids))
	if s.opts.hooks.OnUnacked != nil {
		s.opts.hooks.OnUnacked(ctx, unacked)
	}
}

// Ack writes msg to the connection before returning. A write failure also
// ends the session.
func (s *session) Ack(msg AckMessage) error {
	if msg.Type == "" {
		msg.Type = AckMessageType
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := encodeAck(msg)
	if err != nil {
		return ErrInvalidAck.Wrap(err)
	}
	if err := s.ch.send(data); err != nil {
		if !errors.Is(err, ErrSessionClosed) {
			s.fail(err)
		}
		return err
	}

	var retried []jobKey
	s.mu.Lock()
	for _, e := range msg.Payload {
		k := s.ackKey(e)
		delete(s.pending, k)
		if !e.Code.Terminal() {
			retried = append(retried, k)
		}
	}
	s.mu.Unlock()

	s.release(s.ctx, retried)
	if s.opts.hooks.OnAck != nil {
		s.opts.hooks.OnAck(s.ctx, msg.Payload)
	}
	return nil
}
