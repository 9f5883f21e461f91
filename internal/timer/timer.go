// Package timer implements the start/pause/stop state machine of a single
// worker or machine assignment. Functions mutate the timer in place and never
// read the clock themselves; callers pass now.
package timer

import (
	"fmt"
	"time"

	"jobline/internal/domain"
)

type State string

const (
	NotStarted State = "not_started"
	Running    State = "running"
	Paused     State = "paused"
	Completed  State = "completed"
)

// StateOf derives the state from the persisted fields.
func StateOf(t domain.Timer) State {
	switch {
	case t.EndTime != nil:
		return Completed
	case t.StartTime == nil:
		return NotStarted
	case t.RunningSince != nil:
		return Running
	default:
		return Paused
	}
}

// Start begins or resumes accrual. Starting a running timer is a no-op and
// reports changed=false.
func Start(t *domain.Timer, now time.Time) (bool, error) {
	switch StateOf(*t) {
	case Completed:
		return false, fmt.Errorf("%w: assignment already stopped", domain.ErrInvalidState)
	case Running:
		return false, nil
	}
	now = now.UTC()
	if t.StartTime == nil {
		start := now
		t.StartTime = &start
	}
	since := now
	t.RunningSince = &since
	return true, nil
}

// Pause closes the open interval and freezes accrual.
func Pause(t *domain.Timer, now time.Time) error {
	if StateOf(*t) != Running {
		return fmt.Errorf("%w: assignment is %s, not running", domain.ErrInvalidState, StateOf(*t))
	}
	closeInterval(t, now)
	return nil
}

// Stop finalizes the timer. Stopping a completed timer is a no-op and reports
// changed=false.
func Stop(t *domain.Timer, now time.Time) (bool, error) {
	switch StateOf(*t) {
	case NotStarted:
		return false, fmt.Errorf("%w: assignment was never started", domain.ErrInvalidState)
	case Completed:
		return false, nil
	case Running:
		closeInterval(t, now)
	}
	end := now.UTC()
	if end.Before(*t.StartTime) {
		end = *t.StartTime
	}
	t.EndTime = &end
	return true, nil
}

// Elapsed returns the live accumulated duration at now without mutating t.
func Elapsed(t domain.Timer, now time.Time) time.Duration {
	d := time.Duration(t.AccumulatedMS) * time.Millisecond
	if StateOf(t) == Running {
		d += interval(*t.RunningSince, now)
	}
	return d
}

func closeInterval(t *domain.Timer, now time.Time) {
	t.AccumulatedMS += interval(*t.RunningSince, now).Milliseconds()
	t.RunningSince = nil
}

// interval never goes negative, so a clock step backwards cannot shrink the
// accumulated total.
func interval(since, now time.Time) time.Duration {
	d := now.Sub(since)
	if d < 0 {
		return 0
	}
	return d
}
