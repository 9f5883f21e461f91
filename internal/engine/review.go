package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobline/internal/domain"
	"jobline/internal/engine/auth"
	"jobline/internal/events"
	"jobline/internal/lifecycle"
)

// SupervisorApprove signs off a completed job and locks its assignments.
// Quality marks from an earlier QA round are cleared.
func (e Engine) SupervisorApprove(ctx context.Context, jobID, actorID string) (job domain.Job, err error) {
	defer func(start time.Time) { e.observe("SupervisorApprove", start, err) }(time.Now())
	return e.mutateJob(ctx, jobID, actorID, auth.PermJobSupervise, func(tx *sql.Tx, job *domain.Job, c *change) error {
		if err := lifecycle.CheckTransition(job.Status, domain.JobSupervisorApproved); err != nil {
			return err
		}
		for i := range job.Items {
			job.Items[i].Quality = domain.QualityReview{}
		}
		job.Status = domain.JobSupervisorApproved
		c.emit(events.JobSupervisorApproved, "job", job.ID, nil)
		return nil
	})
}

// QAMarkGood marks one item as passing inspection. When every item is good
// the job is approved.
func (e Engine) QAMarkGood(ctx context.Context, jobID, itemID, reviewerID string) (job domain.Job, err error) {
	defer func(start time.Time) { e.observe("QAMarkGood", start, err) }(time.Now())
	return e.mutateJob(ctx, jobID, reviewerID, auth.PermJobQA, func(tx *sql.Tx, job *domain.Job, c *change) error {
		if err := lifecycle.CheckQA(job.Status); err != nil {
			return err
		}
		it, err := job.Item(itemID)
		if err != nil {
			return err
		}
		now := e.now()
		it.Quality = domain.QualityReview{Status: domain.QualityGood, ReviewerID: reviewerID, ReviewedAt: &now}
		c.emit(events.ItemQAGood, "item", it.ID, events.EventPayload{"job_id": job.ID})
		if lifecycle.AllGood(job.Items) {
			if err := lifecycle.CheckTransition(job.Status, domain.JobApproved); err != nil {
				return err
			}
			job.Status = domain.JobApproved
			c.emit(events.JobApproved, "job", job.ID, nil)
		}
		return nil
	})
}

// QAMarkNeedsWork fails one item. The job is rejected, sent back for rework,
// and the rejection is written to the audit log.
func (e Engine) QAMarkNeedsWork(ctx context.Context, jobID, itemID, reviewerID, notes string) (job domain.Job, err error) {
	defer func(start time.Time) { e.observe("QAMarkNeedsWork", start, err) }(time.Now())
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return job, invalid("needs-work notes required")
	}
	return e.mutateJob(ctx, jobID, reviewerID, auth.PermJobQA, func(tx *sql.Tx, job *domain.Job, c *change) error {
		if err := lifecycle.CheckQA(job.Status); err != nil {
			return err
		}
		it, err := job.Item(itemID)
		if err != nil {
			return err
		}
		now := e.now()
		it.Quality = domain.QualityReview{Status: domain.QualityNeedsWork, ReviewerID: reviewerID, Notes: notes, ReviewedAt: &now}
		c.emit(events.ItemQANeedsWork, "item", it.ID, events.EventPayload{"job_id": job.ID, "notes": notes})
		return e.reject(ctx, tx, job, c, itemID, notes, reviewerID)
	})
}

// RejectJob rejects a supervisor-approved job as a whole.
func (e Engine) RejectJob(ctx context.Context, jobID, reason, rejectedBy string) (job domain.Job, err error) {
	defer func(start time.Time) { e.observe("RejectJob", start, err) }(time.Now())
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return job, invalid("rejection reason required")
	}
	return e.mutateJob(ctx, jobID, rejectedBy, auth.PermJobQA, func(tx *sql.Tx, job *domain.Job, c *change) error {
		return e.reject(ctx, tx, job, c, "", reason, rejectedBy)
	})
}

func (e Engine) reject(ctx context.Context, tx *sql.Tx, job *domain.Job, c *change, itemID, reason, by string) error {
	if err := lifecycle.CheckTransition(job.Status, domain.JobRejected); err != nil {
		return err
	}
	job.Status = domain.JobRejected
	snapshot, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("snapshot job %s: %w", job.ID, err)
	}
	audit := domain.RejectionAudit{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		ShopID:      job.ShopID,
		ItemID:      itemID,
		Reason:      reason,
		RejectedBy:  by,
		TS:          e.now(),
		JobSnapshot: string(snapshot),
	}
	if err := e.Repo.InsertRejection(ctx, tx, audit); err != nil {
		return fmt.Errorf("insert rejection audit: %w", err)
	}
	c.emit(events.JobRejected, "job", job.ID, events.EventPayload{"rejection_id": audit.ID, "item_id": itemID, "reason": reason})
	return nil
}
