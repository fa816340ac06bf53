package persistence

import "errors"

var (
	// ErrNotFound reports a missing agent, task, session, or message.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists reports a duplicate create, e.g. an agent name in use.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidSchedule reports a schedule value that cannot produce a next
	// run time: malformed cron expression, non-positive interval, or an
	// unparsable absolute date.
	ErrInvalidSchedule = errors.New("invalid schedule")
)
