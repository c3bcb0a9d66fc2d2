package jetqueue

import (
	"context"
	"io"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	in       chan []byte
	out      chan []byte
	closed   chan struct{}
	once     sync.Once
	mu       sync.Mutex
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.out <- append([]byte(nil), data...)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// nextFrame returns the next outbound frame that is not a ping.
func (c *fakeConn) nextFrame(t *testing.T, timeout time.Duration) string {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case data := <-c.out:
			if string(data) == pingFrame {
				continue
			}
			return string(data)
		case <-deadline:
			require.FailNow(t, "no outbound frame")
			return ""
		}
	}
}

// answerPings replies pong to every ping until the connection closes.
func (c *fakeConn) answerPings() {
	go func() {
		for {
			select {
			case data := <-c.out:
				if string(data) == pingFrame {
					c.in <- []byte(pongFrame)
				}
			case <-c.closed:
				return
			}
		}
	}()
}

func testOptions(conn *fakeConn, opts ...Option) *options {
	base := []Option{
		WithLogger(zap.NewNop()),
		WithResolver(StaticResolver{DefaultInstance: "http://backend.test/api"}),
		WithDialer(DialerFunc(func(context.Context, string) (Conn, error) {
			return conn, nil
		})),
	}
	o := buildOptions(append(base, opts...))
	return &o
}

func singleQueue(name string, size string) url.Values {
	return url.Values{"queue": {name}, "size": {size}}
}
