package scheduler

import (
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/aico-slmf/pkg/ferr"
	"github.com/robfig/cron"
)

// Schedule is a parsed §3 schedule string (cron:<expr>, interval:<seconds>
// or at:<iso8601>), able to compute its own next fire time.
type Schedule struct {
	kind     scheduleKind
	cronExpr cron.Schedule
	interval time.Duration
	at       time.Time
	fired    bool
}

type scheduleKind int

const (
	kindCron scheduleKind = iota
	kindInterval
	kindAt
)

// ParseSchedule parses one of the three §3 schedule forms.
func ParseSchedule(raw string) (Schedule, error) {
	switch {
	case strings.HasPrefix(raw, "cron:"):
		expr := strings.TrimPrefix(raw, "cron:")
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return Schedule{}, ferr.Wrap(ferr.SchemaError, "scheduler.ParseSchedule", err).(*ferr.Error).WithReason("bad_cron_expr")
		}
		return Schedule{kind: kindCron, cronExpr: sched}, nil

	case strings.HasPrefix(raw, "interval:"):
		secStr := strings.TrimPrefix(raw, "interval:")
		secs, err := strconv.Atoi(secStr)
		if err != nil || secs < 1 {
			return Schedule{}, ferr.New(ferr.SchemaError, "scheduler.ParseSchedule").WithReason("bad_interval")
		}
		return Schedule{kind: kindInterval, interval: time.Duration(secs) * time.Second}, nil

	case strings.HasPrefix(raw, "at:"):
		ts := strings.TrimPrefix(raw, "at:")
		at, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return Schedule{}, ferr.Wrap(ferr.SchemaError, "scheduler.ParseSchedule", err).(*ferr.Error).WithReason("bad_at_timestamp")
		}
		return Schedule{kind: kindAt, at: at.UTC()}, nil

	default:
		return Schedule{}, ferr.New(ferr.SchemaError, "scheduler.ParseSchedule").WithReason("unrecognized_schedule_form")
	}
}

// IsOneShot reports whether this schedule has exactly one occurrence.
func (s Schedule) IsOneShot() bool {
	return s.kind == kindAt
}

// FirstRun computes the schedule's initial fire time as of creation at
// now. Interval schedules start immediately (next_run = now); cron and
// at schedules use their own next occurrence, since firing a cron task
// immediately on creation would ignore the expression entirely.
func (s Schedule) FirstRun(now time.Time) time.Time {
	if s.kind == kindInterval {
		return now
	}
	return s.Next(now)
}

// Next computes the next fire time strictly after from. For an "at:"
// schedule, Next returns the zero time whenever from is not before the
// schedule's instant; Schedule itself does not record whether it has
// fired (callers should check IsOneShot + a task's own terminal state
// instead of relying on repeated Next calls).
func (s Schedule) Next(from time.Time) time.Time {
	switch s.kind {
	case kindCron:
		return s.cronExpr.Next(from)
	case kindInterval:
		return from.Add(s.interval)
	case kindAt:
		if from.Before(s.at) {
			return s.at
		}
		return time.Time{}
	default:
		return time.Time{}
	}
}
