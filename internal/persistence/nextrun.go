package persistence

import (
	"fmt"
	"strconv"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ComputeNextRun is the next-run algorithm: a pure function of the schedule
// and "now". cron takes the next matching instant after now; interval is a
// positive millisecond count added to now; once is an absolute timestamp
// (RFC 3339, or integer Unix epoch milliseconds) returned verbatim even when
// already past, so the due scan picks it up on the next poll. Unparsable
// schedules fail with ErrInvalidSchedule.
func ComputeNextRun(scheduleType ScheduleType, scheduleValue string, now time.Time) (time.Time, error) {
	switch scheduleType {
	case ScheduleCron:
		sched, err := cronParser.Parse(scheduleValue)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, scheduleValue, err)
		}
		return sched.Next(now), nil

	case ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: interval %q is not an integer", ErrInvalidSchedule, scheduleValue)
		}
		if ms <= 0 {
			return time.Time{}, fmt.Errorf("%w: interval %q must be positive milliseconds", ErrInvalidSchedule, scheduleValue)
		}
		return now.Add(time.Duration(ms) * time.Millisecond), nil

	case ScheduleOnce:
		if ts, err := time.Parse(time.RFC3339, scheduleValue); err == nil {
			return ts, nil
		}
		if ms, err := strconv.ParseInt(scheduleValue, 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms), nil
		}
		return time.Time{}, fmt.Errorf("%w: once %q is neither RFC 3339 nor epoch milliseconds", ErrInvalidSchedule, scheduleValue)

	default:
		return time.Time{}, fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, scheduleType)
	}
}
