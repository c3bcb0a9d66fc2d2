package jetqueue

import (
	"fmt"
	"math"
	"time"
)

type AckCode string

const (
	AckOK      AckCode = "ok"
	AckError   AckCode = "error"
	AckCancel  AckCode = "cancel"
	AckDiscard AckCode = "discard"
	AckSnooze  AckCode = "snooze"
)

// Terminal reports whether the job is finished once acked with c. Error and
// snooze hand the job back to the backend for another attempt.
func (c AckCode) Terminal() bool {
	return c == AckOK || c == AckCancel || c == AckDiscard
}

const AckMessageType = "ack"

type AckEntry struct {
	ID    JobID   `json:"id"`
	Queue string  `json:"queue,omitempty"`
	Code  AckCode `json:"code"`
	Data  any     `json:"data,omitempty"`
}

func (e AckEntry) WithQueue(queue string) AckEntry {
	e.Queue = queue
	return e
}

// Validate checks that Data has the shape its code requires.
func (e AckEntry) Validate() error {
	switch e.Code {
	case AckOK:
		if e.Data != nil {
			return ErrInvalidAck.Wrapf(nil, "job %d: ok carries no data", e.ID)
		}
	case AckError, AckCancel:
		if _, ok := e.Data.(string); !ok {
			return ErrInvalidAck.Wrapf(nil, "job %d: %s needs a string, got %T", e.ID, e.Code, e.Data)
		}
	case AckDiscard:
		if e.Data == nil {
			return nil
		}
		if _, ok := e.Data.(string); !ok {
			return ErrInvalidAck.Wrapf(nil, "job %d: discard message must be a string, got %T", e.ID, e.Data)
		}
	case AckSnooze:
		seconds, ok := snoozeSeconds(e.Data)
		if !ok || seconds < 0 {
			return ErrInvalidAck.Wrapf(nil, "job %d: snooze needs a non-negative number of seconds, got %v", e.ID, e.Data)
		}
	default:
		return ErrInvalidAck.Wrapf(nil, "job %d: unknown code %q", e.ID, e.Code)
	}
	return nil
}

func snoozeSeconds(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

// SnoozeDelay is the delay carried by a snooze entry. It accepts the same
// numeric types Validate does.
func (e AckEntry) SnoozeDelay() (time.Duration, bool) {
	if e.Code != AckSnooze {
		return 0, false
	}
	seconds, ok := snoozeSeconds(e.Data)
	if !ok || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

type AckMessage struct {
	Type    string     `json:"type"`
	Payload []AckEntry `json:"payload"`
}

func NewAckMessage(entries ...AckEntry) AckMessage {
	return AckMessage{Type: AckMessageType, Payload: entries}
}

func (m AckMessage) Validate() error {
	if m.Type != AckMessageType {
		return ErrInvalidAck.Wrapf(nil, "message type %q", m.Type)
	}
	if len(m.Payload) == 0 {
		return ErrInvalidAck.Wrapf(nil, "empty payload")
	}
	for _, e := range m.Payload {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Acker reports job outcomes while a handler runs. Calls may happen at any
// point during the handler, for any subset of the batch, and from several
// goroutines. Each call is written to the connection before it returns.
type Acker interface {
	Ack(msg AckMessage) error
}

type AckerFunc func(msg AckMessage) error

func (f AckerFunc) Ack(msg AckMessage) error {
	return f(msg)
}

// AckJobs is shorthand for acking several entries in one message.
func AckJobs(acker Acker, entries ...AckEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return acker.Ack(NewAckMessage(entries...))
}

func (e AckEntry) String() string {
	if e.Data == nil {
		return fmt.Sprintf("%d:%s", e.ID, e.Code)
	}
	return fmt.Sprintf("%d:%s(%v)", e.ID, e.Code, e.Data)
}
