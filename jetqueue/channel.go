package jetqueue

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// channel owns one connection for the lifetime of a listen session. It is
// the only writer of the connection state.
type channel struct {
	endpoint string
	conn     Conn
	logger   *zap.Logger
	hooks    Hooks

	state atomic.Int32
	// idle is true while no ping is outstanding.
	idle atomic.Bool

	writeMu sync.Mutex
	closed  bool
}

func openChannel(ctx context.Context, o *options, query url.Values) (*channel, error) {
	if o.resolver == nil {
		return nil, ErrEndpointResolution.Wrapf(nil, "no resolver for instance %q", o.instance)
	}
	base, err := o.resolver.Resolve(ctx, o.instance)
	if err != nil {
		return nil, ErrEndpointResolution.Wrapf(err, "instance %q", o.instance)
	}
	endpoint, err := websocketURL(base, query)
	if err != nil {
		return nil, ErrEndpointResolution.Wrapf(err, "instance %q", o.instance)
	}

	ch := &channel{
		endpoint: endpoint,
		logger:   o.logger.With(zap.String("endpoint", endpoint)),
		hooks:    o.hooks,
	}
	ch.setState(ctx, StateConnecting)
	conn, err := o.dialer.Dial(ctx, endpoint)
	if err != nil {
		ch.setState(ctx, StateFailed)
		ch.setState(ctx, StateDisconnected)
		return nil, ErrConnection.Wrapf(err, "dial %s", endpoint)
	}
	ch.conn = conn
	ch.idle.Store(true)
	ch.setState(ctx, StateOpen)
	ch.logger.Debug("jetqueue channel open")
	return ch, nil
}

func (c *channel) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *channel) setState(ctx context.Context, to ConnState) {
	from := ConnState(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(ctx, c.endpoint, from, to)
	}
}

// send writes one frame. Writers are serialized so acks, pings and pongs
// never interleave on the wire.
func (c *channel) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	if err := c.conn.WriteMessage(data); err != nil {
		return ErrConnection.Wrapf(err, "write to %s", c.endpoint)
	}
	return nil
}

func (c *channel) read() ([]byte, error) {
	return c.conn.ReadMessage()
}

func (c *channel) markPong() {
	c.idle.Store(true)
}

// keepalive pings every interval. A tick that finds the previous ping still
// unanswered ends the session; no ping is sent after that.
func (c *channel) keepalive(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !c.idle.CompareAndSwap(true, false) {
				c.logger.Warn("jetqueue keepalive timeout", zap.Duration("interval", interval))
				if c.hooks.OnKeepaliveTimeout != nil {
					c.hooks.OnKeepaliveTimeout(ctx, c.endpoint)
				}
				return ErrKeepaliveTimeout.Wrapf(nil, "no pong from %s within %s", c.endpoint, interval)
			}
			if err := c.send([]byte(pingFrame)); err != nil {
				return err
			}
		}
	}
}

func (c *channel) isClosed() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.closed
}

// close tears the connection down once. failed selects the Failed state over
// Closing on the way to Disconnected.
func (c *channel) close(ctx context.Context, failed bool) {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return
	}
	c.closed = true
	c.writeMu.Unlock()

	if failed {
		c.setState(ctx, StateFailed)
	} else {
		c.setState(ctx, StateClosing)
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Debug("jetqueue channel close", zap.Error(err))
	}
	c.setState(ctx, StateDisconnected)
}
