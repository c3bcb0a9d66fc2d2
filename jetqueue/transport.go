package jetqueue

import "context"

// Conn is one duplex message connection. ReadMessage is only called from a
// single goroutine; WriteMessage calls are serialized by the caller. Close
// must unblock a pending ReadMessage.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Conn to a fully built endpoint URL.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

type DialerFunc func(ctx context.Context, endpoint string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Conn, error) {
	return f(ctx, endpoint)
}
