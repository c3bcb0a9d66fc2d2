package inmem

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	commonerrors "github.com/infigaming-com/go-jetqueue/errors"
	"github.com/infigaming-com/go-jetqueue/jetqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestEnqueueAssignsIds(t *testing.T) {
	q := New().Queue("default")
	ctx := context.Background()

	first, err := q.Enqueue(ctx, map[string]any{"n": 1}, nil)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, map[string]any{"n": 2}, nil)
	require.NoError(t, err)

	assert.Equal(t, jetqueue.EnqueueResponse{ID: 1}, *first)
	assert.Equal(t, jetqueue.EnqueueResponse{ID: 2}, *second)
}

func TestEnqueueStates(t *testing.T) {
	c := newClock()
	b := New(WithClock(c.Now))
	q := b.Queue("default")
	ctx := context.Background()

	_, err := q.Enqueue(ctx, map[string]any{"n": 1}, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, map[string]any{"n": 2}, &jetqueue.EnqueueOptions{ScheduleIn: 60})
	require.NoError(t, err)
	at := c.Now().Add(time.Hour)
	_, err = q.Enqueue(ctx, map[string]any{"n": 3}, &jetqueue.EnqueueOptions{ScheduledAt: &at, Priority: 3})
	require.NoError(t, err)

	jobs := b.Jobs("default")
	require.Len(t, jobs, 3)
	assert.Equal(t, jetqueue.JobStateAvailable, jobs[0].State)
	assert.Equal(t, jetqueue.JobStateScheduled, jobs[1].State)
	assert.Equal(t, c.Now().Add(time.Minute), jobs[1].ScheduledAt)
	assert.Equal(t, jetqueue.JobStateScheduled, jobs[2].State)
	assert.Equal(t, 3, jobs[2].Priority)

	_, err = q.Enqueue(ctx, nil, &jetqueue.EnqueueOptions{Priority: 11})
	assert.ErrorIs(t, err, jetqueue.ErrInvalidOptions)
}

func TestUniqueConflicts(t *testing.T) {
	c := newClock()
	b := New(WithClock(c.Now))
	ctx := context.Background()
	mail := b.Queue("mail")
	sms := b.Queue("sms")

	unique := &jetqueue.EnqueueOptions{Unique: &jetqueue.UniqueOptions{Period: 60}}
	first, err := mail.Enqueue(ctx, map[string]any{"id": 1}, unique)
	require.NoError(t, err)

	dup, err := mail.Enqueue(ctx, map[string]any{"id": 1}, unique)
	require.NoError(t, err)
	assert.Equal(t, jetqueue.EnqueueResponse{ID: first.ID, IsConflict: true}, *dup)

	other, err := sms.Enqueue(ctx, map[string]any{"id": 1}, unique)
	require.NoError(t, err)
	assert.False(t, other.IsConflict, "queue is part of the default fields")

	c.Advance(2 * time.Minute)
	late, err := mail.Enqueue(ctx, map[string]any{"id": 1}, unique)
	require.NoError(t, err)
	assert.False(t, late.IsConflict, "outside the period")
}

func TestUniqueKeysAndFields(t *testing.T) {
	b := New()
	ctx := context.Background()
	q := b.Queue("default")

	byKeys := &jetqueue.EnqueueOptions{Unique: &jetqueue.UniqueOptions{
		Fields: []string{jetqueue.UniqueFieldArgs, jetqueue.UniqueFieldQueue},
		Keys:   []string{"account_id"},
	}}
	_, err := q.Enqueue(ctx, map[string]any{"account_id": 1, "url": "a"}, byKeys)
	require.NoError(t, err)
	resp, err := q.Enqueue(ctx, map[string]any{"account_id": 1, "url": "b"}, byKeys)
	require.NoError(t, err)
	assert.True(t, resp.IsConflict)

	byMeta := &jetqueue.EnqueueOptions{
		Meta:   map[string]any{"slug": "welcome"},
		Unique: &jetqueue.UniqueOptions{Fields: []string{jetqueue.UniqueFieldMeta}, Keys: []string{"slug"}},
	}
	_, err = q.Enqueue(ctx, map[string]any{"n": 1}, byMeta)
	require.NoError(t, err)
	resp, err = b.Queue("other").Enqueue(ctx, map[string]any{"n": 2}, byMeta)
	require.NoError(t, err)
	assert.True(t, resp.IsConflict, "meta only uniqueness ignores queue and args")
}

func TestUniqueStatesAndReplace(t *testing.T) {
	c := newClock()
	b := New(WithClock(c.Now))
	ctx := context.Background()
	q := b.Queue("default")

	at := c.Now().Add(time.Hour)
	first, err := q.Enqueue(ctx, map[string]any{"id": 1}, &jetqueue.EnqueueOptions{ScheduledAt: &at, Priority: 5})
	require.NoError(t, err)

	sooner := c.Now().Add(time.Minute)
	resp, err := q.Enqueue(ctx, map[string]any{"id": 1}, &jetqueue.EnqueueOptions{
		ScheduledAt: &sooner,
		Priority:    1,
		Unique:      &jetqueue.UniqueOptions{States: []jetqueue.JobState{jetqueue.JobStateScheduled}},
		Replace: map[jetqueue.JobState][]string{
			jetqueue.JobStateScheduled: {jetqueue.ReplaceScheduledAt, jetqueue.ReplacePriority},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, jetqueue.EnqueueResponse{ID: first.ID, IsConflict: true}, *resp)

	jobs := b.Jobs("default")
	require.Len(t, jobs, 1)
	assert.Equal(t, sooner, jobs[0].ScheduledAt)
	assert.Equal(t, 1, jobs[0].Priority)

	resp, err = q.Enqueue(ctx, map[string]any{"id": 1}, &jetqueue.EnqueueOptions{
		Unique: &jetqueue.UniqueOptions{States: []jetqueue.JobState{jetqueue.JobStateCompleted}},
	})
	require.NoError(t, err)
	assert.False(t, resp.IsConflict)
}

func TestCancelRemovesJob(t *testing.T) {
	b := New()
	q := b.Queue("default")
	ctx := context.Background()
	resp, err := q.Enqueue(ctx, map[string]any{"n": 1}, nil)
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, resp.ID))
	assert.Empty(t, b.Jobs("default"))

	err = q.Cancel(ctx, resp.ID)
	assert.ErrorIs(t, err, jetqueue.ErrRequest)
	var coded *commonerrors.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, http.StatusNotFound, coded.GetStatusCode())
}

func TestFindEnqueuedJobAndClear(t *testing.T) {
	b := New()
	ctx := context.Background()
	_, err := b.Queue("mail").Enqueue(ctx, map[string]any{"user_id": 2, "template": "welcome"}, nil)
	require.NoError(t, err)

	r, ok := b.FindEnqueuedJob("mail", map[string]any{"template": "welcome"})
	require.True(t, ok)
	assert.Equal(t, jetqueue.JobID(1), r.ID)

	_, ok = b.FindEnqueuedJob("mail", map[string]any{"template": "bye"})
	assert.False(t, ok)
	_, ok = b.FindEnqueuedJob("sms", map[string]any{"template": "welcome"})
	assert.False(t, ok)

	b.ClearJobs()
	assert.Empty(t, b.Jobs(""))
}

func TestListenDeliversPendingAndNewJobs(t *testing.T) {
	b := New()
	q := b.Queue("default")
	ctx := context.Background()

	_, err := q.Enqueue(ctx, map[string]any{"n": 1}, nil)
	require.NoError(t, err)
	_, err = b.Queue("other").Enqueue(ctx, map[string]any{"n": 99}, nil)
	require.NoError(t, err)

	batches := make(chan []jetqueue.Job, 8)
	done := make(chan error, 1)
	go func() {
		done <- q.Listen(ctx, jetqueue.HandlerFunc(func(_ context.Context, jobs []jetqueue.Job, acker jetqueue.Acker) error {
			batches <- jobs
			return jetqueue.AckJobs(acker, jobs[0].OK())
		}), jetqueue.ListenOptions{BatchSize: 10})
	}()

	next := func() []jetqueue.Job {
		select {
		case jobs := <-batches:
			return jobs
		case <-time.After(time.Second):
			require.FailNow(t, "no batch")
			return nil
		}
	}
	jobs := next()
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Args["n"])
	assert.Equal(t, "default", jobs[0].Queue)

	_, err = q.Enqueue(ctx, map[string]any{"n": 2}, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, map[string]any{"n": 3}, nil)
	require.NoError(t, err)
	assert.Len(t, next(), 1)
	assert.Len(t, next(), 1)

	b.StopListening("default")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		require.FailNow(t, "listen did not stop")
	}

	acks := b.Acks()
	require.Len(t, acks, 3)
	assert.Equal(t, jetqueue.AckOK, acks[0].Code)
	assert.Equal(t, "default", acks[0].Queue)
	for _, r := range b.Jobs("default") {
		assert.Equal(t, jetqueue.JobStateCompleted, r.State)
	}
	assert.Equal(t, jetqueue.JobStateAvailable, b.Jobs("other")[0].State)
}

func TestListenStagesScheduledJobs(t *testing.T) {
	c := newClock()
	b := New(WithClock(c.Now), WithStageInterval(5*time.Millisecond))
	q := b.Queue("default")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := q.Enqueue(ctx, map[string]any{"n": 1}, &jetqueue.EnqueueOptions{ScheduleIn: 30})
	require.NoError(t, err)

	got := make(chan jetqueue.Job, 1)
	done := make(chan error, 1)
	go func() {
		done <- q.Listen(ctx, jetqueue.HandlerFunc(func(_ context.Context, jobs []jetqueue.Job, _ jetqueue.Acker) error {
			got <- jobs[0]
			return nil
		}), jetqueue.ListenOptions{})
	}()

	select {
	case <-got:
		require.FailNow(t, "scheduled job delivered early")
	case <-time.After(30 * time.Millisecond):
	}
	c.Advance(time.Minute)
	select {
	case job := <-got:
		assert.Equal(t, jetqueue.JobID(1), job.ID)
	case <-time.After(time.Second):
		require.FailNow(t, "scheduled job not delivered")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestListenHandlerError(t *testing.T) {
	b := New()
	q := b.Queue("default")
	ctx := context.Background()
	_, err := q.Enqueue(ctx, map[string]any{}, nil)
	require.NoError(t, err)

	err = q.Listen(ctx, jetqueue.HandlerFunc(func(context.Context, []jetqueue.Job, jetqueue.Acker) error {
		return assert.AnError
	}), jetqueue.ListenOptions{})
	assert.ErrorIs(t, err, jetqueue.ErrHandler)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestSnoozeAcceptsAnyIntegerType(t *testing.T) {
	for _, data := range []any{30, int32(30), int64(30), float64(30)} {
		c := newClock()
		b := New(WithClock(c.Now))
		q := b.Queue("default")
		ctx, cancel := context.WithCancel(context.Background())

		_, err := q.Enqueue(ctx, map[string]any{}, nil)
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			done <- q.Listen(ctx, jetqueue.HandlerFunc(func(_ context.Context, jobs []jetqueue.Job, acker jetqueue.Acker) error {
				err := jetqueue.AckJobs(acker, jetqueue.AckEntry{ID: jobs[0].ID, Code: jetqueue.AckSnooze, Data: data})
				cancel()
				return err
			}), jetqueue.ListenOptions{})
		}()
		require.NoError(t, <-done, "%T", data)

		jobs := b.Jobs("default")
		require.Len(t, jobs, 1)
		assert.Equal(t, jetqueue.JobStateScheduled, jobs[0].State, "%T", data)
		assert.Equal(t, c.Now().Add(30*time.Second), jobs[0].ScheduledAt, "%T", data)
	}
}
