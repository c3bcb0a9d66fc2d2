package jetqueue

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/infigaming-com/go-jetqueue/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testListenOptions() ListenOptions {
	return ListenOptions{
		BatchSize:         10,
		BufferSize:        20,
		BatchTimeout:      20 * time.Millisecond,
		KeepaliveInterval: time.Hour,
	}
}

func runTestSession(ctx context.Context, o *options, handler Handler, lopts ListenOptions) chan error {
	done := make(chan error, 1)
	go func() {
		done <- runSession(ctx, o, singleQueue("default", "20"), "default", handler, lopts)
	}()
	return done
}

func waitErr(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		require.FailNow(t, "session did not end")
		return nil
	}
}

func TestAckIsWrittenBeforeHandlerReturns(t *testing.T) {
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan string, 1)
	handler := HandlerFunc(func(_ context.Context, jobs []Job, acker Acker) error {
		require.NoError(t, AckJobs(acker, jobs[0].OK()))
		seen <- conn.nextFrame(t, time.Second)
		return nil
	})
	done := runTestSession(ctx, testOptions(conn), handler, testListenOptions())

	conn.in <- []byte(`{"type":"job","payload":[{"id":42,"args":{}}]}`)
	assert.JSONEq(t, `{"type":"ack","payload":[{"id":42,"queue":"default","code":"ok"}]}`, <-seen)

	cancel()
	assert.ErrorIs(t, waitErr(t, done), context.Canceled)
	assert.True(t, conn.isClosed())
}

func TestSessionAnswersPing(t *testing.T) {
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runTestSession(ctx, testOptions(conn), HandlerFunc(func(context.Context, []Job, Acker) error { return nil }), testListenOptions())

	conn.in <- []byte(pingFrame)
	assert.Equal(t, pongFrame, conn.nextFrame(t, time.Second))

	cancel()
	assert.ErrorIs(t, waitErr(t, done), context.Canceled)
}

func TestSessionFailsOnMalformedMessage(t *testing.T) {
	conn := newFakeConn()
	done := runTestSession(context.Background(), testOptions(conn), HandlerFunc(func(context.Context, []Job, Acker) error { return nil }), testListenOptions())

	conn.in <- []byte(`{"type":"job","payload":"nope"}`)
	assert.ErrorIs(t, waitErr(t, done), ErrMalformedMessage)
	assert.True(t, conn.isClosed())
}

func TestSessionFailsOnHandlerError(t *testing.T) {
	boom := errors.New("boom")
	for name, handler := range map[string]HandlerFunc{
		"error": func(context.Context, []Job, Acker) error { return boom },
		"panic": func(context.Context, []Job, Acker) error { panic("boom") },
	} {
		t.Run(name, func(t *testing.T) {
			conn := newFakeConn()
			var ended error
			o := testOptions(conn, WithHooks(Hooks{OnSessionEnd: func(_ context.Context, err error) { ended = err }}))
			done := runTestSession(context.Background(), o, handler, testListenOptions())

			conn.in <- []byte(`{"type":"job","payload":[{"id":1,"args":{}}]}`)
			err := waitErr(t, done)
			assert.ErrorIs(t, err, ErrHandler)
			assert.Equal(t, err, ended)
			if name == "error" {
				assert.ErrorIs(t, err, boom)
			}
		})
	}
}

func TestSessionFailsWhenConnectionDrops(t *testing.T) {
	conn := newFakeConn()
	done := runTestSession(context.Background(), testOptions(conn), HandlerFunc(func(context.Context, []Job, Acker) error { return nil }), testListenOptions())

	time.Sleep(10 * time.Millisecond)
	_ = conn.Close()
	assert.ErrorIs(t, waitErr(t, done), ErrConnection)
}

func TestSessionKeepaliveTimeout(t *testing.T) {
	conn := newFakeConn()
	lopts := testListenOptions()
	lopts.KeepaliveInterval = 20 * time.Millisecond
	done := runTestSession(context.Background(), testOptions(conn), HandlerFunc(func(context.Context, []Job, Acker) error { return nil }), lopts)

	assert.ErrorIs(t, waitErr(t, done), ErrKeepaliveTimeout)
	assert.True(t, conn.isClosed())
}

func TestSessionKeepsAliveWhilePonged(t *testing.T) {
	conn := newFakeConn()
	conn.answerPings()
	lopts := testListenOptions()
	lopts.KeepaliveInterval = 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	done := runTestSession(ctx, testOptions(conn), HandlerFunc(func(context.Context, []Job, Acker) error { return nil }), lopts)

	assert.ErrorIs(t, waitErr(t, done), context.DeadlineExceeded)
}

func TestAckWriteFailureEndsSession(t *testing.T) {
	conn := newFakeConn()
	writeErr := errors.New("broken pipe")
	ackErr := make(chan error, 1)
	handler := HandlerFunc(func(ctx context.Context, jobs []Job, acker Acker) error {
		conn.failWrites(writeErr)
		ackErr <- AckJobs(acker, jobs[0].OK())
		<-ctx.Done()
		return ctx.Err()
	})
	done := runTestSession(context.Background(), testOptions(conn), handler, testListenOptions())

	conn.in <- []byte(`{"type":"job","payload":[{"id":1,"args":{}}]}`)
	err := <-ackErr
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, writeErr)
	assert.ErrorIs(t, waitErr(t, done), ErrConnection)
}

func TestInvalidAckIsRejected(t *testing.T) {
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ackErr := make(chan error, 1)
	handler := HandlerFunc(func(_ context.Context, jobs []Job, acker Acker) error {
		ackErr <- acker.Ack(AckMessage{Payload: []AckEntry{{ID: jobs[0].ID, Code: AckError}}})
		return nil
	})
	done := runTestSession(ctx, testOptions(conn), handler, testListenOptions())

	conn.in <- []byte(`{"type":"job","payload":[{"id":1,"args":{}}]}`)
	assert.ErrorIs(t, <-ackErr, ErrInvalidAck)
	cancel()
	assert.ErrorIs(t, waitErr(t, done), context.Canceled)
}

func TestUnackedJobsAreReported(t *testing.T) {
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var unacked []JobID
	reported := make(chan struct{}, 1)
	o := testOptions(conn, WithHooks(Hooks{OnUnacked: func(_ context.Context, jobs []Job) {
		mu.Lock()
		for _, j := range jobs {
			unacked = append(unacked, j.ID)
		}
		mu.Unlock()
		reported <- struct{}{}
	}}))
	handler := HandlerFunc(func(_ context.Context, jobs []Job, acker Acker) error {
		return AckJobs(acker, jobs[0].OK())
	})
	done := runTestSession(ctx, o, handler, testListenOptions())

	conn.in <- []byte(`{"type":"job","payload":[{"id":1,"args":{}},{"id":2,"args":{}},{"id":3,"args":{}}]}`)
	select {
	case <-reported:
	case <-time.After(time.Second):
		require.FailNow(t, "unacked jobs not reported")
	}
	mu.Lock()
	assert.Equal(t, []JobID{2, 3}, unacked)
	mu.Unlock()

	cancel()
	assert.ErrorIs(t, waitErr(t, done), context.Canceled)
}

func TestDeduplicationDropsRedeliveries(t *testing.T) {
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batches := make(chan []Job, 8)
	var duplicates []JobID
	o := testOptions(conn,
		WithDeduplication(cache.NewFreeCacheWithSize(1<<20), time.Minute),
		WithHooks(Hooks{OnDuplicate: func(_ context.Context, job Job) { duplicates = append(duplicates, job.ID) }}),
	)
	handler := HandlerFunc(func(_ context.Context, jobs []Job, acker Acker) error {
		entry := jobs[0].OK()
		if jobs[0].ID == 2 {
			entry = jobs[0].Snooze(1)
		}
		err := AckJobs(acker, entry)
		batches <- jobs
		return err
	})
	lopts := testListenOptions()
	lopts.BatchSize = 1
	done := runTestSession(ctx, o, handler, lopts)

	next := func() JobID {
		select {
		case jobs := <-batches:
			return jobs[0].ID
		case <-time.After(time.Second):
			require.FailNow(t, "no batch")
			return 0
		}
	}

	conn.in <- []byte(`{"type":"job","payload":[{"id":1,"args":{}}]}`)
	assert.Equal(t, JobID(1), next())
	conn.in <- []byte(`{"type":"job","payload":[{"id":1,"args":{}},{"id":2,"args":{}}]}`)
	assert.Equal(t, JobID(2), next())
	// snoozed jobs come back and must be delivered again
	conn.in <- []byte(`{"type":"job","payload":[{"id":2,"args":{}}]}`)
	assert.Equal(t, JobID(2), next())

	cancel()
	assert.ErrorIs(t, waitErr(t, done), context.Canceled)
	assert.Equal(t, []JobID{1}, duplicates)
}

func TestDedupeReleasesJobsOfFailedSessions(t *testing.T) {
	shared := cache.NewFreeCacheWithSize(1 << 20)

	tests := []struct {
		name    string
		lopts   func() ListenOptions
		handler func(calls chan<- []Job) Handler
		frames  []string
		wantErr error
	}{
		{
			name: "buffered job never delivered",
			lopts: func() ListenOptions {
				lopts := testListenOptions()
				lopts.BatchTimeout = time.Hour
				return lopts
			},
			handler: func(calls chan<- []Job) Handler {
				return HandlerFunc(func(_ context.Context, jobs []Job, _ Acker) error {
					calls <- jobs
					return nil
				})
			},
			frames: []string{
				`{"type":"job","payload":[{"id":9,"args":{}}]}`,
				`not json`,
			},
			wantErr: ErrMalformedMessage,
		},
		{
			name:  "handler failed before acking",
			lopts: testListenOptions,
			handler: func(calls chan<- []Job) Handler {
				return HandlerFunc(func(_ context.Context, jobs []Job, _ Acker) error {
					calls <- jobs
					return errors.New("downstream unavailable")
				})
			},
			frames: []string{
				`{"type":"job","payload":[{"id":7,"args":{}}]}`,
			},
			wantErr: ErrHandler,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, shared.Clear(context.Background()))
			calls := make(chan []Job, 8)

			first := newFakeConn()
			o := testOptions(first, WithDeduplication(shared, time.Minute))
			done := runTestSession(context.Background(), o, tt.handler(calls), tt.lopts())
			for _, f := range tt.frames {
				first.in <- []byte(f)
			}
			assert.ErrorIs(t, waitErr(t, done), tt.wantErr)
			for len(calls) > 0 {
				<-calls
			}

			second := newFakeConn()
			var duplicates atomic.Int32
			o = testOptions(second,
				WithDeduplication(shared, time.Minute),
				WithHooks(Hooks{OnDuplicate: func(context.Context, Job) { duplicates.Add(1) }}),
			)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			handler := HandlerFunc(func(_ context.Context, jobs []Job, acker Acker) error {
				calls <- jobs
				return AckJobs(acker, jobs[0].OK())
			})
			done = runTestSession(ctx, o, handler, testListenOptions())
			second.in <- []byte(tt.frames[0])

			select {
			case jobs := <-calls:
				require.Len(t, jobs, 1)
			case <-time.After(time.Second):
				require.FailNow(t, "redelivered job was not handled")
			}
			assert.Equal(t, int32(0), duplicates.Load())

			cancel()
			assert.ErrorIs(t, waitErr(t, done), context.Canceled)
		})
	}
}

func TestMultiQueueAcksTrackQueueAndId(t *testing.T) {
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batches := make(chan []Job, 8)
	var mu sync.Mutex
	var unacked []Job
	var duplicates []Job
	reported := make(chan struct{}, 2)
	o := testOptions(conn,
		WithDeduplication(cache.NewFreeCacheWithSize(1<<20), time.Minute),
		WithHooks(Hooks{
			OnUnacked: func(_ context.Context, jobs []Job) {
				mu.Lock()
				unacked = append(unacked, jobs...)
				mu.Unlock()
				reported <- struct{}{}
			},
			OnDuplicate: func(_ context.Context, job Job) {
				mu.Lock()
				duplicates = append(duplicates, job)
				mu.Unlock()
			},
		}),
	)
	handler := HandlerFunc(func(_ context.Context, jobs []Job, acker Acker) error {
		var err error
		for _, job := range jobs {
			switch {
			case job.Queue == "mail" && job.ID == 4:
				err = errors.Join(err, AckJobs(acker, job.OK()))
			case job.Queue == "mail" && job.ID == 5:
				// no queue on the entry: matched to the pending job by id
				err = errors.Join(err, acker.Ack(NewAckMessage(AckEntry{ID: job.ID, Code: AckError, Data: "retry"})))
			}
		}
		batches <- jobs
		return err
	})
	lopts := testListenOptions()
	lopts.BatchSize = 3
	done := make(chan error, 1)
	go func() {
		done <- runSession(ctx, o, url.Values{"queues": {"mail:5,sms:5"}}, "", handler, lopts)
	}()

	next := func() []Job {
		select {
		case jobs := <-batches:
			return jobs
		case <-time.After(time.Second):
			require.FailNow(t, "no batch")
			return nil
		}
	}

	frame := []byte(`{"type":"job","payload":[` +
		`{"id":4,"queue":"mail","args":{}},{"id":4,"queue":"sms","args":{}},{"id":5,"queue":"mail","args":{}}]}`)
	conn.in <- frame
	assert.Len(t, next(), 3)
	select {
	case <-reported:
	case <-time.After(time.Second):
		require.FailNow(t, "unacked jobs not reported")
	}

	// mail:4 was acked ok and stays claimed; mail:5 was released by its
	// error ack and sms:4 by finishing unacked
	conn.in <- frame
	second := next()
	require.Len(t, second, 2)
	assert.Equal(t, jobKey{queue: "sms", id: 4}, keyOf(second[0]))
	assert.Equal(t, jobKey{queue: "mail", id: 5}, keyOf(second[1]))

	cancel()
	assert.ErrorIs(t, waitErr(t, done), context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, duplicates, 1)
	assert.Equal(t, jobKey{queue: "mail", id: 4}, keyOf(duplicates[0]))
	require.Len(t, unacked, 2)
	for _, job := range unacked {
		assert.Equal(t, jobKey{queue: "sms", id: 4}, keyOf(job))
	}
}
