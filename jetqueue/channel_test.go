package jetqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenChannelBuildsEndpoint(t *testing.T) {
	conn := newFakeConn()
	var dialed string
	var states []ConnState
	var mu sync.Mutex
	o := testOptions(conn,
		WithDialer(DialerFunc(func(_ context.Context, endpoint string) (Conn, error) {
			dialed = endpoint
			return conn, nil
		})),
		WithHooks(Hooks{OnStateChange: func(_ context.Context, _ string, _, to ConnState) {
			mu.Lock()
			states = append(states, to)
			mu.Unlock()
		}}),
	)

	ch, err := openChannel(context.Background(), o, singleQueue("default", "20"))
	require.NoError(t, err)
	assert.Equal(t, "ws://backend.test/api/websocket?queue=default&size=20", dialed)
	assert.Equal(t, StateOpen, ch.State())

	ch.close(context.Background(), false)
	ch.close(context.Background(), false)
	assert.True(t, conn.isClosed())
	assert.ErrorIs(t, ch.send([]byte("x")), ErrSessionClosed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnState{StateConnecting, StateOpen, StateClosing, StateDisconnected}, states)
}

func TestOpenChannelFailures(t *testing.T) {
	ctx := context.Background()

	o := testOptions(newFakeConn(), WithResolver(nil))
	_, err := openChannel(ctx, o, singleQueue("q", "1"))
	assert.ErrorIs(t, err, ErrEndpointResolution)

	o = testOptions(newFakeConn(), WithInstance("missing"))
	_, err = openChannel(ctx, o, singleQueue("q", "1"))
	assert.ErrorIs(t, err, ErrEndpointResolution)

	dialErr := errors.New("connection refused")
	var last ConnState
	o = testOptions(newFakeConn(),
		WithDialer(DialerFunc(func(context.Context, string) (Conn, error) {
			return nil, dialErr
		})),
		WithHooks(Hooks{OnStateChange: func(_ context.Context, _ string, _, to ConnState) { last = to }}),
	)
	_, err = openChannel(ctx, o, singleQueue("q", "1"))
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, StateDisconnected, last)
}

func TestKeepaliveTimeoutStopsPinging(t *testing.T) {
	conn := newFakeConn()
	var timeouts int
	o := testOptions(conn, WithHooks(Hooks{OnKeepaliveTimeout: func(context.Context, string) { timeouts++ }}))
	ch, err := openChannel(context.Background(), o, singleQueue("q", "1"))
	require.NoError(t, err)

	interval := 20 * time.Millisecond
	start := time.Now()
	err = ch.keepalive(context.Background(), interval)
	assert.ErrorIs(t, err, ErrKeepaliveTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 2*interval)
	assert.Equal(t, 1, timeouts)

	time.Sleep(3 * interval)
	require.Len(t, conn.out, 1)
	assert.Equal(t, pingFrame, string(<-conn.out))
}

func TestKeepaliveStaysIdleWithPongs(t *testing.T) {
	conn := newFakeConn()
	o := testOptions(conn)
	ch, err := openChannel(context.Background(), o, singleQueue("q", "1"))
	require.NoError(t, err)

	go func() {
		for data := range conn.out {
			if string(data) == pingFrame {
				ch.markPong()
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	assert.NoError(t, ch.keepalive(ctx, 20*time.Millisecond))
}
