package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gitduk/nanoclaw/internal/store"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Accepted layouts for one-shot timestamps, tried in order. Layouts without
// a zone are interpreted in the scheduler's location.
var onceLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Validate rejects an invalid schedule expression synchronously, so a bad
// task is never persisted. A one-shot timestamp in the past is still valid:
// command files can be drained long after they were written, and the task
// should exist and fire on the next tick rather than vanish.
func Validate(kind store.TaskKind, expr string, loc *time.Location) error {
	_, err := FirstRun(kind, expr, time.Now(), loc)
	return err
}

// Next computes the next fire time strictly after from. A nil result means
// the schedule is exhausted (a one-shot whose time has passed).
func Next(kind store.TaskKind, expr string, from time.Time, loc *time.Location) (*time.Time, error) {
	return next(kind, expr, from, loc)
}

func next(kind store.TaskKind, expr string, from time.Time, loc *time.Location) (*time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("schedule expression required")
	}
	if loc == nil {
		loc = time.Local
	}

	switch kind {
	case store.TaskCron:
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		t := sched.Next(from.In(loc))
		if t.IsZero() {
			return nil, fmt.Errorf("cron expression %q never fires", expr)
		}
		return &t, nil

	case store.TaskInterval:
		d, err := time.ParseDuration(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q (use Go duration like '30m', '2h'): %w", expr, err)
		}
		if d < time.Minute {
			return nil, fmt.Errorf("interval %q too short (minimum 1m)", expr)
		}
		t := from.Add(d)
		return &t, nil

	case store.TaskOnce:
		at, err := parseOnce(expr, loc)
		if err != nil {
			return nil, err
		}
		if !at.After(from) {
			// Exhausted; firing policy for stale one-shots is the
			// scheduler's decision, not a parse error.
			return nil, nil
		}
		return &at, nil

	default:
		return nil, fmt.Errorf("unknown schedule kind %q", kind)
	}
}

func parseOnce(expr string, loc *time.Location) (time.Time, error) {
	for _, layout := range onceLayouts {
		if t, err := time.ParseInLocation(layout, expr, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q (use RFC3339 or '2006-01-02 15:04')", expr)
}

// FirstRun computes the initial next_run for a newly created task. Unlike
// Next, a one-shot in the past is not exhausted here: the given time is kept
// as next_run, which makes the task immediately due. Whether it then fires
// or is skipped is the scheduler's stale-once policy.
func FirstRun(kind store.TaskKind, expr string, now time.Time, loc *time.Location) (*time.Time, error) {
	t, err := next(kind, expr, now, loc)
	if err != nil || t != nil {
		return t, err
	}
	if loc == nil {
		loc = time.Local
	}
	at, err := parseOnce(strings.TrimSpace(expr), loc)
	if err != nil {
		return nil, err
	}
	return &at, nil
}
