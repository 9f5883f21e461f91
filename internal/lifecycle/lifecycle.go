// Package lifecycle holds the pure job and job item status rules. Every
// caller that needs a derived status goes through DeriveItemStatus and
// Reconcile; nothing else infers status.
package lifecycle

import (
	"fmt"
	"strings"

	"jobline/internal/domain"
	"jobline/internal/timer"
)

var transitions = map[domain.JobStatus][]domain.JobStatus{
	domain.JobWaiting:            {domain.JobPending},
	domain.JobPending:            {domain.JobInProgress},
	domain.JobInProgress:         {domain.JobCompleted},
	domain.JobCompleted:          {domain.JobSupervisorApproved, domain.JobInProgress},
	domain.JobSupervisorApproved: {domain.JobApproved, domain.JobRejected},
	domain.JobRejected:           {domain.JobInProgress},
}

// CheckTransition returns ErrIllegalTransition unless to directly follows from.
func CheckTransition(from, to domain.JobStatus) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, from, to)
}

// DeriveItemStatus computes an item's execution status from its assignments.
// An item with no assignments is pending; completed requires at least one
// assignment and every one of them stopped.
func DeriveItemStatus(it domain.JobItem) domain.ItemStatus {
	timers := it.Timers()
	if len(timers) == 0 {
		return domain.ItemPending
	}
	stopped := 0
	for _, t := range timers {
		switch timer.StateOf(t) {
		case timer.Running, timer.Paused:
			return domain.ItemRunning
		case timer.Completed:
			stopped++
		}
	}
	if stopped == len(timers) {
		return domain.ItemCompleted
	}
	return domain.ItemPending
}

// Refresh rewrites every item's derived status and reports the items whose
// status changed.
func Refresh(job *domain.Job) []string {
	var changed []string
	for i := range job.Items {
		next := DeriveItemStatus(job.Items[i])
		if job.Items[i].Status != next {
			job.Items[i].Status = next
			changed = append(changed, job.Items[i].ID)
		}
	}
	return changed
}

// Reconcile returns the job status implied by the current item statuses.
// Only the automatic edges are taken: first start moves a pending or rejected
// job to in_progress, the last item completing moves it to completed, and a
// completed job with outstanding work goes back to in_progress.
func Reconcile(current domain.JobStatus, items []domain.JobItem) domain.JobStatus {
	anyRunning, allDone := false, len(items) > 0
	for _, it := range items {
		st := DeriveItemStatus(it)
		if st == domain.ItemRunning {
			anyRunning = true
		}
		if st != domain.ItemCompleted {
			allDone = false
		}
	}
	switch current {
	case domain.JobPending, domain.JobRejected:
		if !anyRunning {
			return current
		}
		return domain.JobInProgress
	case domain.JobInProgress:
		if allDone {
			return domain.JobCompleted
		}
	case domain.JobCompleted:
		if !allDone {
			return domain.JobInProgress
		}
	}
	return current
}

// CheckAssignable guards adding or removing assignments and consumables.
// A rejected job is open for rework.
func CheckAssignable(status domain.JobStatus) error {
	switch status {
	case domain.JobSupervisorApproved, domain.JobApproved:
		return fmt.Errorf("%w: job is %s", domain.ErrJobLocked, status)
	}
	return nil
}

// CheckTimersAllowed guards Start/Pause/Stop.
func CheckTimersAllowed(status domain.JobStatus) error {
	switch status {
	case domain.JobWaiting:
		return fmt.Errorf("%w: job is awaiting verification", domain.ErrInvalidState)
	case domain.JobSupervisorApproved, domain.JobApproved:
		return fmt.Errorf("%w: job is %s", domain.ErrJobLocked, status)
	}
	return nil
}

// CheckRemovable refuses to drop a stopped assignment unless the job has
// been sent back for rework.
// A completed assignment reports InvalidState before the job lock is checked.
func CheckRemovable(status domain.JobStatus, t domain.Timer) error {
	if timer.StateOf(t) == timer.Completed && status != domain.JobRejected {
		return fmt.Errorf("%w: assignment already completed", domain.ErrInvalidState)
	}
	return CheckAssignable(status)
}

// CheckQA guards the per-item QA marks.
func CheckQA(status domain.JobStatus) error {
	if status != domain.JobSupervisorApproved {
		return fmt.Errorf("%w: QA review requires supervisor_approved, job is %s", domain.ErrIllegalTransition, status)
	}
	return nil
}

// AllGood reports whether every item carries a Good quality mark.
func AllGood(items []domain.JobItem) bool {
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		if it.Quality.Status != domain.QualityGood {
			return false
		}
	}
	return true
}

// CheckVerifiable lists the customer fields a job needs before it can leave
// waiting.
func CheckVerifiable(c domain.Customer) error {
	var missing []string
	if strings.TrimSpace(c.Name) == "" {
		missing = append(missing, "customer name")
	}
	if strings.TrimSpace(c.Phone) == "" && strings.TrimSpace(c.Email) == "" {
		missing = append(missing, "customer phone or email")
	}
	if strings.TrimSpace(c.Vehicle.Plate) == "" {
		missing = append(missing, "vehicle plate")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", domain.ErrNotVerifiable, strings.Join(missing, ", "))
	}
	return nil
}
