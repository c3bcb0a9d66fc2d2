// Package inmem is an in-process jetqueue backend for tests and local runs.
// Jobs enqueued on a Broker are delivered to its listeners one job per batch.
package inmem

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/infigaming-com/go-jetqueue/jetqueue"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const defaultStageInterval = 50 * time.Millisecond

// Record is a job as the broker stores it.
type Record struct {
	ID          jetqueue.JobID
	Queue       string
	Args        map[string]any
	Meta        map[string]any
	State       jetqueue.JobState
	Priority    int
	MaxAttempts int
	InsertedAt  time.Time
	ScheduledAt time.Time
}

func (r Record) job() jetqueue.Job {
	return jetqueue.Job{ID: r.ID, Args: maps.Clone(r.Args), Queue: r.Queue}
}

type Option func(*Broker)

func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStageInterval sets how often due scheduled jobs become available.
func WithStageInterval(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.stageInterval = d
		}
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(b *Broker) {
		if lg != nil {
			b.logger = lg
		}
	}
}

type listener struct {
	notify   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func (l *listener) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *listener) close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Broker holds the jobs of every queue of one in-memory instance.
type Broker struct {
	now           func() time.Time
	stageInterval time.Duration
	logger        *zap.Logger

	mu        sync.Mutex
	seq       int64
	jobs      []*Record
	acks      []jetqueue.AckEntry
	listeners map[string][]*listener
}

func New(opts ...Option) *Broker {
	b := &Broker{
		now:           time.Now,
		stageInterval: defaultStageInterval,
		logger:        zap.L(),
		listeners:     map[string][]*listener{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Queue returns a Backend bound to one queue of the broker.
func (b *Broker) Queue(name string) *Queue {
	return &Queue{broker: b, name: name}
}

// Factory plugs the broker into jetqueue.Use and jetqueue.Lazy.
func (b *Broker) Factory() jetqueue.BackendFactory {
	return func(queue string) (jetqueue.Backend, error) {
		return b.Queue(queue), nil
	}
}

// Jobs returns copies of the stored jobs of queue, or of every queue when
// queue is empty.
func (b *Broker) Jobs(queue string) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []Record{}
	for _, r := range b.jobs {
		if queue == "" || r.Queue == queue {
			out = append(out, *r)
		}
	}
	return out
}

func (b *Broker) ClearJobs() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs = nil
	b.acks = nil
}

// FindEnqueuedJob finds the first job of queue whose args contain every
// key and value of args.
func (b *Broker) FindEnqueuedJob(queue string, args map[string]any) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := lo.Find(b.jobs, func(r *Record) bool {
		return r.Queue == queue && containsAll(r.Args, args)
	})
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Acks returns every ack entry received so far, in arrival order.
func (b *Broker) Acks() []jetqueue.AckEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]jetqueue.AckEntry(nil), b.acks...)
}

// StopListening ends every running Listen on queue with a nil error.
func (b *Broker) StopListening(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range b.listeners[queue] {
		l.close()
	}
}

func (b *Broker) enqueue(queue string, args map[string]any, opts *jetqueue.EnqueueOptions) (*jetqueue.EnqueueResponse, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &jetqueue.EnqueueOptions{}
	}
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if opts.Unique != nil {
		if existing := b.conflict(queue, args, opts, now); existing != nil {
			b.replace(existing, args, opts, now)
			b.logger.Debug("inmem unique conflict", zap.String("queue", queue), zap.Int64("jobId", int64(existing.ID)))
			return &jetqueue.EnqueueResponse{ID: existing.ID, IsConflict: true}, nil
		}
	}

	b.seq++
	r := &Record{
		ID:          jetqueue.JobID(b.seq),
		Queue:       queue,
		Args:        maps.Clone(args),
		Meta:        maps.Clone(opts.Meta),
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		InsertedAt:  now,
	}
	if r.Args == nil {
		r.Args = map[string]any{}
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 20
	}
	r.ScheduledAt, r.State = schedule(opts, now)
	b.jobs = append(b.jobs, r)
	b.wake(queue)
	return &jetqueue.EnqueueResponse{ID: r.ID}, nil
}

func schedule(opts *jetqueue.EnqueueOptions, now time.Time) (time.Time, jetqueue.JobState) {
	at := now
	switch {
	case opts.ScheduledAt != nil:
		at = *opts.ScheduledAt
	case opts.ScheduleIn > 0:
		at = now.Add(time.Duration(opts.ScheduleIn) * time.Second)
	}
	if at.After(now) {
		return at, jetqueue.JobStateScheduled
	}
	return at, jetqueue.JobStateAvailable
}

var defaultUniqueStates = []jetqueue.JobState{
	jetqueue.JobStateScheduled,
	jetqueue.JobStateAvailable,
	jetqueue.JobStateExecuting,
	jetqueue.JobStateRetryable,
	jetqueue.JobStateCompleted,
}

func (b *Broker) conflict(queue string, args map[string]any, opts *jetqueue.EnqueueOptions, now time.Time) *Record {
	u := opts.Unique
	fields := u.Fields
	if len(fields) == 0 {
		fields = []string{jetqueue.UniqueFieldArgs, jetqueue.UniqueFieldQueue}
	}
	states := u.States
	if len(states) == 0 {
		states = defaultUniqueStates
	}
	for _, r := range b.jobs {
		if !lo.Contains(states, r.State) {
			continue
		}
		if u.Period > 0 {
			ts := r.InsertedAt
			if u.Timestamp == jetqueue.UniqueTimestampScheduledAt {
				ts = r.ScheduledAt
			}
			if now.Sub(ts) > time.Duration(u.Period)*time.Second {
				continue
			}
		}
		if lo.EveryBy(fields, func(f string) bool {
			switch f {
			case jetqueue.UniqueFieldQueue:
				return r.Queue == queue
			case jetqueue.UniqueFieldArgs:
				return sameValues(r.Args, args, u.Keys)
			case jetqueue.UniqueFieldMeta:
				return sameValues(r.Meta, opts.Meta, u.Keys)
			default:
				return false
			}
		}) {
			return r
		}
	}
	return nil
}

func (b *Broker) replace(r *Record, args map[string]any, opts *jetqueue.EnqueueOptions, now time.Time) {
	for _, field := range opts.Replace[r.State] {
		switch field {
		case jetqueue.ReplaceArgs:
			r.Args = maps.Clone(args)
		case jetqueue.ReplaceMeta:
			r.Meta = maps.Clone(opts.Meta)
		case jetqueue.ReplacePriority:
			r.Priority = opts.Priority
		case jetqueue.ReplaceMaxAttempts:
			r.MaxAttempts = opts.MaxAttempts
		case jetqueue.ReplaceScheduledAt:
			at, state := schedule(opts, now)
			r.ScheduledAt = at
			if r.State == jetqueue.JobStateScheduled || r.State == jetqueue.JobStateAvailable {
				r.State = state
			}
		}
	}
}

func (b *Broker) cancel(queue string, id jetqueue.JobID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.jobs {
		if r.ID == id && r.Queue == queue {
			b.jobs = append(b.jobs[:i], b.jobs[i+1:]...)
			return nil
		}
	}
	return jetqueue.ErrRequest.Wrapf(nil, "job %d not found in %s", id, queue).WithStatusCode(http.StatusNotFound)
}

// claim marks the oldest available job of queue as executing.
func (b *Broker) claim(queue string) (jetqueue.Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.jobs {
		if r.Queue == queue && r.State == jetqueue.JobStateAvailable {
			r.State = jetqueue.JobStateExecuting
			return r.job(), true
		}
	}
	return jetqueue.Job{}, false
}

// stage makes due scheduled jobs available.
func (b *Broker) stage() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.jobs {
		if r.State == jetqueue.JobStateScheduled && !r.ScheduledAt.After(now) {
			r.State = jetqueue.JobStateAvailable
			b.wake(r.Queue)
		}
	}
}

func (b *Broker) ack(queue string, msg jetqueue.AckMessage) error {
	if msg.Type == "" {
		msg.Type = jetqueue.AckMessageType
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range msg.Payload {
		if e.Queue == "" {
			e.Queue = queue
		}
		b.acks = append(b.acks, e)
		r, ok := lo.Find(b.jobs, func(r *Record) bool { return r.ID == e.ID })
		if !ok {
			continue
		}
		switch e.Code {
		case jetqueue.AckOK:
			r.State = jetqueue.JobStateCompleted
		case jetqueue.AckError:
			r.State = jetqueue.JobStateRetryable
		case jetqueue.AckCancel:
			r.State = jetqueue.JobStateCancelled
		case jetqueue.AckDiscard:
			r.State = jetqueue.JobStateDiscarded
		case jetqueue.AckSnooze:
			delay, _ := e.SnoozeDelay()
			r.State = jetqueue.JobStateScheduled
			r.ScheduledAt = b.now().Add(delay)
		}
	}
	return nil
}

func (b *Broker) subscribe(queue string) *listener {
	l := &listener{notify: make(chan struct{}, 1), stop: make(chan struct{})}
	b.mu.Lock()
	b.listeners[queue] = append(b.listeners[queue], l)
	b.mu.Unlock()
	l.wake()
	return l
}

func (b *Broker) unsubscribe(queue string, l *listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[queue] = lo.Without(b.listeners[queue], l)
	if len(b.listeners[queue]) == 0 {
		delete(b.listeners, queue)
	}
}

// wake must be called with b.mu held.
func (b *Broker) wake(queue string) {
	for _, l := range b.listeners[queue] {
		l.wake()
	}
}

// Queue is one queue of a Broker. It implements jetqueue.Backend.
type Queue struct {
	broker *Broker
	name   string
}

var _ jetqueue.Backend = (*Queue)(nil)

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) Enqueue(_ context.Context, args map[string]any, opts *jetqueue.EnqueueOptions) (*jetqueue.EnqueueResponse, error) {
	return q.broker.enqueue(q.name, args, opts)
}

func (q *Queue) Cancel(_ context.Context, id jetqueue.JobID) error {
	return q.broker.cancel(q.name, id)
}

// Listen hands available jobs to handler one at a time until ctx is done or
// StopListening is called; both end it with a nil error. Batch options are
// ignored.
func (q *Queue) Listen(ctx context.Context, handler jetqueue.Handler, _ jetqueue.ListenOptions) error {
	if handler == nil {
		return jetqueue.ErrInvalidOptions.Wrapf(nil, "handler required")
	}
	l := q.broker.subscribe(q.name)
	defer q.broker.unsubscribe(q.name, l)

	acker := jetqueue.AckerFunc(func(msg jetqueue.AckMessage) error {
		return q.broker.ack(q.name, msg)
	})
	ticker := time.NewTicker(q.broker.stageInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.stop:
			return nil
		case <-ticker.C:
			q.broker.stage()
			continue
		case <-l.notify:
		}
		for {
			if ctx.Err() != nil {
				return nil
			}
			job, ok := q.broker.claim(q.name)
			if !ok {
				break
			}
			if err := handler.Handle(ctx, []jetqueue.Job{job}, acker); err != nil {
				return jetqueue.ErrHandler.Wrapf(err, "job %d", job.ID)
			}
		}
	}
}

func (q *Queue) String() string {
	return fmt.Sprintf("inmem queue %s", q.name)
}

func containsAll(have, want map[string]any) bool {
	for k, v := range want {
		got, ok := have[k]
		if !ok || !reflect.DeepEqual(got, v) {
			return false
		}
	}
	return true
}

// sameValues compares a and b, restricted to keys when any are given.
func sameValues(a, b map[string]any, keys []string) bool {
	if len(keys) == 0 {
		if len(a) == 0 && len(b) == 0 {
			return true
		}
		return reflect.DeepEqual(a, b)
	}
	for _, k := range keys {
		av, aok := a[k]
		bv, bok := b[k]
		if aok != bok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}
