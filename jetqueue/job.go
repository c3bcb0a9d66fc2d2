package jetqueue

import "strconv"

// JobID is assigned by the backend and never changes.
type JobID int64

func (id JobID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

type Job struct {
	ID   JobID          `json:"id"`
	Args map[string]any `json:"args"`
	// Queue is the originating queue. Single queue sessions fill it in when
	// the backend leaves it out.
	Queue    string `json:"queue,omitempty"`
	Conflict bool   `json:"is_conflict,omitempty"`
}

func (j Job) OK() AckEntry {
	return AckEntry{ID: j.ID, Queue: j.Queue, Code: AckOK}
}

func (j Job) Error(message string) AckEntry {
	return AckEntry{ID: j.ID, Queue: j.Queue, Code: AckError, Data: message}
}

func (j Job) Cancel(reason string) AckEntry {
	return AckEntry{ID: j.ID, Queue: j.Queue, Code: AckCancel, Data: reason}
}

// Discard takes an optional message; only the first one is used.
func (j Job) Discard(message ...string) AckEntry {
	e := AckEntry{ID: j.ID, Queue: j.Queue, Code: AckDiscard}
	if len(message) > 0 {
		e.Data = message[0]
	}
	return e
}

func (j Job) Snooze(seconds int) AckEntry {
	return AckEntry{ID: j.ID, Queue: j.Queue, Code: AckSnooze, Data: seconds}
}

type JobState string

const (
	JobStateScheduled JobState = "scheduled"
	JobStateAvailable JobState = "available"
	JobStateExecuting JobState = "executing"
	JobStateRetryable JobState = "retryable"
	JobStateCompleted JobState = "completed"
	JobStateDiscarded JobState = "discarded"
	JobStateCancelled JobState = "cancelled"
)

var AllJobStates = []JobState{
	JobStateScheduled,
	JobStateAvailable,
	JobStateExecuting,
	JobStateRetryable,
	JobStateCompleted,
	JobStateDiscarded,
	JobStateCancelled,
}

func (s JobState) Valid() bool {
	for _, st := range AllJobStates {
		if s == st {
			return true
		}
	}
	return false
}
