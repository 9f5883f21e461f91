package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"jobline/internal/domain"
	"jobline/internal/engine/auth"
	"jobline/internal/events"
	"jobline/internal/lifecycle"
	"jobline/internal/timer"
)

type timerAction string

const (
	actionStart timerAction = "start"
	actionPause timerAction = "pause"
	actionStop  timerAction = "stop"
)

var timerEvents = map[timerAction]string{
	actionStart: events.TimerStarted,
	actionPause: events.TimerPaused,
	actionStop:  events.TimerStopped,
}

var timerOps = map[timerAction]string{
	actionStart: "StartTimer",
	actionPause: "PauseTimer",
	actionStop:  "StopTimer",
}

// StartTimer starts or resumes an assignment. Starting a running timer
// succeeds without recording anything.
func (e Engine) StartTimer(ctx context.Context, jobID, itemID, assignmentID, actorID string) (domain.Timer, error) {
	return e.operateTimer(ctx, actionStart, jobID, itemID, assignmentID, actorID)
}

// PauseTimer freezes accrual on a running assignment.
func (e Engine) PauseTimer(ctx context.Context, jobID, itemID, assignmentID, actorID string) (domain.Timer, error) {
	return e.operateTimer(ctx, actionPause, jobID, itemID, assignmentID, actorID)
}

// StopTimer finalizes an assignment. Stopping a stopped timer succeeds and
// leaves it untouched.
func (e Engine) StopTimer(ctx context.Context, jobID, itemID, assignmentID, actorID string) (domain.Timer, error) {
	return e.operateTimer(ctx, actionStop, jobID, itemID, assignmentID, actorID)
}

func (e Engine) operateTimer(ctx context.Context, action timerAction, jobID, itemID, assignmentID, actorID string) (out domain.Timer, err error) {
	defer func(start time.Time) { e.observe(timerOps[action], start, err) }(time.Now())
	if itemID == "" || assignmentID == "" {
		return out, invalid("item id and assignment id required")
	}
	_, err = e.mutateJob(ctx, jobID, actorID, auth.PermTimerOperate, func(tx *sql.Tx, job *domain.Job, c *change) error {
		it, err := job.Item(itemID)
		if err != nil {
			return err
		}
		tm, err := it.TimerFor(assignmentID)
		if err != nil {
			return err
		}
		state := timer.StateOf(*tm)
		if (action == actionStart && state == timer.Running) || (action == actionStop && state == timer.Completed) {
			out = *tm
			c.noop = true
			return nil
		}
		// A finished assignment reports InvalidState whatever the job status.
		if state == timer.Completed {
			return fmt.Errorf("%w: assignment %s is completed", domain.ErrInvalidState, assignmentID)
		}
		if err := lifecycle.CheckTimersAllowed(job.Status); err != nil {
			return err
		}
		now := e.now()
		switch action {
		case actionStart:
			_, err = timer.Start(tm, now)
		case actionPause:
			err = timer.Pause(tm, now)
		case actionStop:
			_, err = timer.Stop(tm, now)
		}
		if err != nil {
			return err
		}
		out = *tm
		c.timers = append(c.timers, string(action))
		c.emit(timerEvents[action], "assignment", assignmentID, events.EventPayload{
			"job_id":         job.ID,
			"item_id":        itemID,
			"accumulated_ms": tm.AccumulatedMS,
		})
		return nil
	})
	if err != nil {
		return domain.Timer{}, err
	}
	return out, nil
}
