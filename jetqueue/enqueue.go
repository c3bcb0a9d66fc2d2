package jetqueue

import (
	"time"

	"github.com/samber/lo"
)

const (
	UniqueFieldArgs  = "args"
	UniqueFieldMeta  = "meta"
	UniqueFieldQueue = "queue"

	UniqueTimestampInsertedAt  = "inserted_at"
	UniqueTimestampScheduledAt = "scheduled_at"
)

// Fields a conflicting job may have overwritten through EnqueueOptions.Replace.
const (
	ReplaceArgs        = "args"
	ReplaceMaxAttempts = "max_attempts"
	ReplaceMeta        = "meta"
	ReplacePriority    = "priority"
	ReplaceScheduledAt = "scheduled_at"
)

type UniqueOptions struct {
	// Fields used for the uniqueness comparison. Defaults to args and queue.
	Fields []string `json:"fields,omitempty"`
	// Keys limits the args/meta comparison to these keys.
	Keys []string `json:"keys,omitempty"`
	// Period in seconds during which uniqueness is enforced. Zero means forever.
	Period int `json:"period,omitempty"`
	// States in which an existing job counts as a conflict.
	States    []JobState `json:"states,omitempty"`
	Timestamp string     `json:"timestamp,omitempty"`
}

type EnqueueOptions struct {
	MaxAttempts int            `json:"max_attempts,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	// Priority runs from 0 (highest) to 9.
	Priority    int        `json:"priority,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	// ScheduleIn delays the job by this many seconds.
	ScheduleIn int            `json:"schedule_in,omitempty"`
	Unique     *UniqueOptions `json:"unique,omitempty"`
	// Replace lists, per state of the conflicting job, which of its fields
	// are overwritten by this enqueue.
	Replace map[JobState][]string `json:"replace,omitempty"`
}

type EnqueueResponse struct {
	ID         JobID `json:"id"`
	IsConflict bool  `json:"is_conflict"`
}

var (
	uniqueFields     = []string{UniqueFieldArgs, UniqueFieldMeta, UniqueFieldQueue}
	uniqueTimestamps = []string{UniqueTimestampInsertedAt, UniqueTimestampScheduledAt}
	replaceFields    = []string{ReplaceArgs, ReplaceMaxAttempts, ReplaceMeta, ReplacePriority, ReplaceScheduledAt}
)

func (o *EnqueueOptions) Validate() error {
	if o == nil {
		return nil
	}
	if o.MaxAttempts < 0 {
		return ErrInvalidOptions.Wrapf(nil, "max attempts must not be negative, got %d", o.MaxAttempts)
	}
	if o.Priority < 0 || o.Priority > 9 {
		return ErrInvalidOptions.Wrapf(nil, "priority must be between 0 and 9, got %d", o.Priority)
	}
	if o.ScheduleIn < 0 {
		return ErrInvalidOptions.Wrapf(nil, "schedule in must not be negative, got %d", o.ScheduleIn)
	}
	if o.ScheduledAt != nil && o.ScheduleIn > 0 {
		return ErrInvalidOptions.Wrapf(nil, "scheduled at and schedule in are mutually exclusive")
	}
	if u := o.Unique; u != nil {
		if bad, ok := lo.Find(u.Fields, func(f string) bool { return !lo.Contains(uniqueFields, f) }); ok {
			return ErrInvalidOptions.Wrapf(nil, "unknown unique field %q", bad)
		}
		if u.Period < 0 {
			return ErrInvalidOptions.Wrapf(nil, "unique period must not be negative, got %d", u.Period)
		}
		if bad, ok := lo.Find(u.States, func(s JobState) bool { return !s.Valid() }); ok {
			return ErrInvalidOptions.Wrapf(nil, "unknown unique state %q", bad)
		}
		if u.Timestamp != "" && !lo.Contains(uniqueTimestamps, u.Timestamp) {
			return ErrInvalidOptions.Wrapf(nil, "unknown unique timestamp %q", u.Timestamp)
		}
	}
	for state, fields := range o.Replace {
		if !state.Valid() {
			return ErrInvalidOptions.Wrapf(nil, "unknown replace state %q", state)
		}
		if bad, ok := lo.Find(fields, func(f string) bool { return !lo.Contains(replaceFields, f) }); ok {
			return ErrInvalidOptions.Wrapf(nil, "unknown replace field %q", bad)
		}
	}
	return nil
}

type enqueueBody struct {
	Args    map[string]any     `json:"args"`
	Options enqueueBodyOptions `json:"options"`
}

type enqueueBodyOptions struct {
	Queue       string                `json:"queue"`
	MaxAttempts int                   `json:"max_attempts,omitempty"`
	Meta        map[string]any        `json:"meta,omitempty"`
	Priority    int                   `json:"priority,omitempty"`
	ScheduledAt *time.Time            `json:"scheduled_at,omitempty"`
	ScheduleIn  int                   `json:"schedule_in,omitempty"`
	Unique      *UniqueOptions        `json:"unique,omitempty"`
	Replace     map[JobState][]string `json:"replace,omitempty"`
}

func newEnqueueBody(queue string, args map[string]any, o *EnqueueOptions) enqueueBody {
	if args == nil {
		args = map[string]any{}
	}
	body := enqueueBody{Args: args, Options: enqueueBodyOptions{Queue: queue}}
	if o != nil {
		body.Options.MaxAttempts = o.MaxAttempts
		body.Options.Meta = o.Meta
		body.Options.Priority = o.Priority
		body.Options.ScheduledAt = o.ScheduledAt
		body.Options.ScheduleIn = o.ScheduleIn
		body.Options.Unique = o.Unique
		body.Options.Replace = o.Replace
	}
	return body
}
