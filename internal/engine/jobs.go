package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"jobline/internal/catalog"
	"jobline/internal/cost"
	"jobline/internal/domain"
	"jobline/internal/engine/auth"
	"jobline/internal/events"
	"jobline/internal/lifecycle"
	"jobline/internal/repo"
	"jobline/internal/timer"
)

// ItemInput describes one job item at creation.
type ItemInput struct {
	Description       string
	Priority          domain.Priority
	JobTypeRef        string
	LaborCategory     string
	EstimatedManHours decimal.Decimal
	WorkersAllowed    int
}

// CreateJobOptions are parameters for creating a job.
type CreateJobOptions struct {
	ID       string
	ShopID   string
	Customer domain.Customer
	Items    []ItemInput
	Notes    string
	ActorID  string
}

func validateItem(in ItemInput) error {
	if strings.TrimSpace(in.Description) == "" {
		return invalid("item description required")
	}
	if in.Priority != "" && !in.Priority.Valid() {
		return invalid("priority must be Low, Medium or High")
	}
	if in.EstimatedManHours.IsNegative() {
		return invalid("estimated man hours must not be negative")
	}
	if in.WorkersAllowed < 1 {
		return invalid("number of workers allowed must be at least 1")
	}
	return nil
}

// CreateJob opens a job card in waiting. Labor rates are resolved for every
// item before the write and snapshotted on the item.
func (e Engine) CreateJob(ctx context.Context, opts CreateJobOptions) (job domain.Job, err error) {
	defer func(start time.Time) { e.observe("CreateJob", start, err) }(time.Now())
	if opts.ShopID == "" {
		return job, invalid("shop id required")
	}
	if opts.ActorID == "" {
		return job, invalid("actor id required")
	}
	if len(opts.Items) == 0 {
		return job, invalid("at least one item required")
	}
	if _, err := e.Repo.GetShop(ctx, opts.ShopID); err != nil {
		return job, err
	}
	cfg, err := e.Repo.GetShopConfig(ctx, opts.ShopID)
	if err != nil {
		return job, fmt.Errorf("%w: shop config: %v", domain.ErrDependencyUnavailable, err)
	}
	now := e.now()
	jobID := opts.ID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	items := make([]domain.JobItem, 0, len(opts.Items))
	for _, in := range opts.Items {
		if err := validateItem(in); err != nil {
			return job, err
		}
		if in.Priority == "" {
			in.Priority = domain.PriorityMedium
		}
		rate, err := e.Rates.ResolveHourlyRate(ctx, opts.ShopID, catalog.Labor, in.LaborCategory)
		if err != nil {
			return job, err
		}
		items = append(items, domain.JobItem{
			ID:                uuid.NewString(),
			JobID:             jobID,
			Description:       strings.TrimSpace(in.Description),
			Priority:          in.Priority,
			JobTypeRef:        in.JobTypeRef,
			LaborCategory:     in.LaborCategory,
			LaborRate:         rate,
			EstimatedManHours: in.EstimatedManHours,
			WorkersAllowed:    in.WorkersAllowed,
			Status:            domain.ItemPending,
			Workers:           []domain.WorkerAssignment{},
			Machines:          []domain.MachineAssignment{},
			Consumables:       []domain.ConsumableUsage{},
		})
	}
	job = domain.Job{
		ID:        jobID,
		ShopID:    opts.ShopID,
		Customer:  opts.Customer,
		Status:    domain.JobWaiting,
		Items:     items,
		Notes:     opts.Notes,
		CreatedBy: opts.ActorID,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	cost.Apply(&job, now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return job, err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, opts.ShopID, opts.ActorID, auth.PermJobCreate); err != nil {
		return job, err
	}
	seq, err := e.Repo.NextCounter(ctx, tx, opts.ShopID, "job_card")
	if err != nil {
		return job, fmt.Errorf("next job card number: %w", err)
	}
	job.JobCardNumber = fmt.Sprintf("%s-%s-%04d", cfg.Prefix(), now.Format("20060102"), seq)
	if err := e.Repo.InsertJob(ctx, tx, job); err != nil {
		return job, fmt.Errorf("insert job: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.JobCreated, job.ShopID, "job", job.ID, opts.ActorID, events.EventPayload{
		"job_card_number": job.JobCardNumber,
		"items":           len(job.Items),
		"estimated_total": job.EstimatedTotal.String(),
	}); err != nil {
		return job, err
	}
	if err := tx.Commit(); err != nil {
		return job, err
	}
	e.logger().Info("job created", zap.String("job_id", job.ID), zap.String("job_card", job.JobCardNumber), zap.String("shop_id", job.ShopID))
	return job, nil
}

// VerifyJob moves a job from waiting to pending once the customer and
// vehicle details needed to release it are present.
func (e Engine) VerifyJob(ctx context.Context, jobID, actorID string) (job domain.Job, err error) {
	defer func(start time.Time) { e.observe("VerifyJob", start, err) }(time.Now())
	return e.mutateJob(ctx, jobID, actorID, auth.PermJobVerify, func(tx *sql.Tx, job *domain.Job, c *change) error {
		if err := lifecycle.CheckTransition(job.Status, domain.JobPending); err != nil {
			return err
		}
		if err := lifecycle.CheckVerifiable(job.Customer); err != nil {
			return err
		}
		job.Status = domain.JobPending
		c.emit(events.JobVerified, "job", job.ID, nil)
		return nil
	})
}

// UpdateItemEstimateOptions changes the planning fields of one item. Nil
// fields are left alone.
type UpdateItemEstimateOptions struct {
	JobID             string
	ItemID            string
	LaborCategory     *string
	EstimatedManHours *decimal.Decimal
	WorkersAllowed    *int
	ActorID           string
}

// UpdateItemEstimate edits an item's estimate inputs; the estimated price is
// recomputed from the re-resolved labor rate.
func (e Engine) UpdateItemEstimate(ctx context.Context, opts UpdateItemEstimateOptions) (job domain.Job, err error) {
	defer func(start time.Time) { e.observe("UpdateItemEstimate", start, err) }(time.Now())
	if opts.EstimatedManHours != nil && opts.EstimatedManHours.IsNegative() {
		return job, invalid("estimated man hours must not be negative")
	}
	if opts.WorkersAllowed != nil && *opts.WorkersAllowed < 1 {
		return job, invalid("number of workers allowed must be at least 1")
	}
	shopID, err := e.jobShop(ctx, opts.JobID)
	if err != nil {
		return job, err
	}
	var rate *decimal.Decimal
	if opts.LaborCategory != nil {
		r, err := e.Rates.ResolveHourlyRate(ctx, shopID, catalog.Labor, *opts.LaborCategory)
		if err != nil {
			return job, err
		}
		rate = &r
	}
	return e.mutateJob(ctx, opts.JobID, opts.ActorID, auth.PermJobCreate, func(tx *sql.Tx, job *domain.Job, c *change) error {
		if err := lifecycle.CheckAssignable(job.Status); err != nil {
			return err
		}
		it, err := job.Item(opts.ItemID)
		if err != nil {
			return err
		}
		if opts.WorkersAllowed != nil {
			if *opts.WorkersAllowed < len(it.Workers) {
				return fmt.Errorf("%w: item already has %d workers", domain.ErrCapacityExceeded, len(it.Workers))
			}
			it.WorkersAllowed = *opts.WorkersAllowed
		}
		if rate != nil {
			it.LaborCategory = *opts.LaborCategory
			it.LaborRate = *rate
		}
		if opts.EstimatedManHours != nil {
			it.EstimatedManHours = *opts.EstimatedManHours
		}
		c.emit(events.ItemEstimateUpdated, "item", it.ID, events.EventPayload{
			"job_id":              job.ID,
			"labor_category":      it.LaborCategory,
			"estimated_man_hours": it.EstimatedManHours.String(),
			"workers_allowed":     it.WorkersAllowed,
		})
		return nil
	})
}

// AssignmentView is the live state of one assignment at read time.
type AssignmentView struct {
	ItemID         string      `json:"item_id"`
	AssignmentID   string      `json:"assignment_id"`
	Kind           string      `json:"kind"`
	ResourceID     string      `json:"resource_id"`
	State          timer.State `json:"state"`
	ElapsedSeconds int64       `json:"elapsed_seconds"`
}

// JobView is a job with durations and costs computed at AsOf.
type JobView struct {
	domain.Job
	Assignments []AssignmentView `json:"assignments"`
	Costs       cost.JobCost     `json:"costs"`
	AsOf        time.Time        `json:"as_of"`
}

func buildView(job domain.Job, now time.Time) JobView {
	v := JobView{Job: job, AsOf: now, Assignments: []AssignmentView{}}
	for _, it := range job.Items {
		for _, w := range it.Workers {
			v.Assignments = append(v.Assignments, AssignmentView{
				ItemID: it.ID, AssignmentID: w.ID, Kind: "worker", ResourceID: w.WorkerID,
				State: timer.StateOf(w.Timer), ElapsedSeconds: int64(timer.Elapsed(w.Timer, now) / time.Second),
			})
		}
		for _, m := range it.Machines {
			v.Assignments = append(v.Assignments, AssignmentView{
				ItemID: it.ID, AssignmentID: m.ID, Kind: "machine", ResourceID: m.MachineID,
				State: timer.StateOf(m.Timer), ElapsedSeconds: int64(timer.Elapsed(m.Timer, now) / time.Second),
			})
		}
	}
	v.Costs = cost.Job(job, now)
	v.EstimatedTotal = v.Costs.Estimated
	v.ActualTotal = v.Costs.Actual
	return v
}

// GetJobView returns the job with live durations and freshly computed
// costs. Nothing is written.
func (e Engine) GetJobView(ctx context.Context, jobID, actorID string) (view JobView, err error) {
	defer func(start time.Time) { e.observe("GetJobView", start, err) }(time.Now())
	if jobID == "" {
		return view, invalid("job id required")
	}
	err = e.readTx(ctx, func(tx *sql.Tx) error {
		job, err := e.Repo.GetJobTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := e.Auth.Require(ctx, tx, job.ShopID, actorID, auth.PermJobRead); err != nil {
			return err
		}
		view = buildView(job, e.now())
		return nil
	})
	return view, err
}

// ListJobs returns jobs newest first.
func (e Engine) ListJobs(ctx context.Context, f repo.JobFilters, actorID string) ([]domain.Job, error) {
	if f.ShopID == "" {
		return nil, invalid("shop id required")
	}
	if err := e.requireShopPermission(ctx, f.ShopID, actorID, auth.PermJobRead); err != nil {
		return nil, err
	}
	return e.readRepo().ListJobs(ctx, f)
}

// ListRejections returns the rejection audit trail of a job.
func (e Engine) ListRejections(ctx context.Context, jobID, actorID string) ([]domain.RejectionAudit, error) {
	shopID, err := e.jobShop(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := e.requireShopPermission(ctx, shopID, actorID, auth.PermJobRead); err != nil {
		return nil, err
	}
	return e.readRepo().ListRejections(ctx, jobID)
}

// ListEvents returns the newest events of a shop, optionally narrowed to one
// entity.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters, actorID string) ([]domain.Event, error) {
	if f.ShopID == "" {
		return nil, invalid("shop id required")
	}
	if err := e.requireShopPermission(ctx, f.ShopID, actorID, auth.PermJobRead); err != nil {
		return nil, err
	}
	return e.readRepo().LatestEvents(ctx, f)
}

func (e Engine) requireShopPermission(ctx context.Context, shopID, actorID, perm string) error {
	if actorID == "" {
		return invalid("actor id required")
	}
	return e.readTx(ctx, func(tx *sql.Tx) error {
		return e.Auth.Require(ctx, tx, shopID, actorID, perm)
	})
}
