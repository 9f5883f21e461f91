package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"jobline/internal/catalog"
	"jobline/internal/cost"
	"jobline/internal/domain"
	"jobline/internal/engine/auth"
	"jobline/internal/events"
	"jobline/internal/lifecycle"
)

// peekItem reads an item outside any transaction so collaborator lookups can
// use its fields before the write starts.
func (e Engine) peekItem(ctx context.Context, jobID, itemID string) (domain.Job, domain.JobItem, error) {
	if jobID == "" || itemID == "" {
		return domain.Job{}, domain.JobItem{}, invalid("job id and item id required")
	}
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return job, domain.JobItem{}, err
	}
	it, err := job.Item(itemID)
	if err != nil {
		return job, domain.JobItem{}, err
	}
	return job, *it, nil
}

func sameShop(what, id, want, got string) error {
	if want != got {
		return fmt.Errorf("%w: %s %s in shop %s", domain.ErrNotFound, what, id, want)
	}
	return nil
}

// AssignWorker adds an employee to an item. The labor rate in force now is
// snapshotted on the assignment.
func (e Engine) AssignWorker(ctx context.Context, jobID, itemID, workerID, actorID string) (a domain.WorkerAssignment, err error) {
	defer func(start time.Time) { e.observe("AssignWorker", start, err) }(time.Now())
	if workerID == "" {
		return a, invalid("worker id required")
	}
	job, item, err := e.peekItem(ctx, jobID, itemID)
	if err != nil {
		return a, err
	}
	emp, err := e.Directory.GetEmployee(ctx, workerID)
	if err != nil {
		return a, err
	}
	if err := sameShop("employee", workerID, job.ShopID, emp.ShopID); err != nil {
		return a, err
	}
	rate, err := e.Rates.ResolveHourlyRate(ctx, job.ShopID, catalog.Labor, item.LaborCategory)
	if err != nil {
		return a, err
	}
	_, err = e.mutateJob(ctx, jobID, actorID, auth.PermJobAssign, func(tx *sql.Tx, job *domain.Job, c *change) error {
		if err := lifecycle.CheckAssignable(job.Status); err != nil {
			return err
		}
		it, err := job.Item(itemID)
		if err != nil {
			return err
		}
		if it.LaborCategory != item.LaborCategory {
			return fmt.Errorf("%w: labor category of item %s changed", domain.ErrConflict, itemID)
		}
		for _, w := range it.Workers {
			if w.WorkerID == workerID {
				return fmt.Errorf("%w: worker %s already on item %s", domain.ErrDuplicateAssignment, workerID, itemID)
			}
		}
		if len(it.Workers) >= it.WorkersAllowed {
			return fmt.Errorf("%w: item %s allows %d workers", domain.ErrCapacityExceeded, itemID, it.WorkersAllowed)
		}
		a = domain.WorkerAssignment{
			ID:         uuid.NewString(),
			WorkerID:   workerID,
			WorkerName: emp.Name,
			HourlyRate: rate,
		}
		it.Workers = append(it.Workers, a)
		c.emit(events.WorkerAssigned, "item", itemID, events.EventPayload{
			"job_id": job.ID, "assignment_id": a.ID, "worker_id": workerID, "hourly_rate": rate.String(),
		})
		return nil
	})
	if err != nil {
		return domain.WorkerAssignment{}, err
	}
	return a, nil
}

// AssignMachineOptions are parameters for putting a machine on an item.
type AssignMachineOptions struct {
	JobID          string
	ItemID         string
	MachineID      string
	EstimatedHours decimal.Decimal
	ActorID        string
}

// AssignMachine adds a machine to an item. The machine directory must report
// it available, and its category rate is snapshotted.
func (e Engine) AssignMachine(ctx context.Context, opts AssignMachineOptions) (a domain.MachineAssignment, err error) {
	defer func(start time.Time) { e.observe("AssignMachine", start, err) }(time.Now())
	if opts.MachineID == "" {
		return a, invalid("machine id required")
	}
	if opts.EstimatedHours.IsNegative() {
		return a, invalid("estimated hours must not be negative")
	}
	job, _, err := e.peekItem(ctx, opts.JobID, opts.ItemID)
	if err != nil {
		return a, err
	}
	m, err := e.Directory.GetMachine(ctx, opts.MachineID)
	if err != nil {
		return a, err
	}
	if err := sameShop("machine", opts.MachineID, job.ShopID, m.ShopID); err != nil {
		return a, err
	}
	if !m.IsAvailable {
		return a, fmt.Errorf("%w: machine %s is not available", domain.ErrInvalidState, opts.MachineID)
	}
	rate, err := e.Rates.ResolveHourlyRate(ctx, job.ShopID, catalog.Machine, m.Type)
	if err != nil {
		return a, err
	}
	_, err = e.mutateJob(ctx, opts.JobID, opts.ActorID, auth.PermJobAssign, func(tx *sql.Tx, job *domain.Job, c *change) error {
		if err := lifecycle.CheckAssignable(job.Status); err != nil {
			return err
		}
		it, err := job.Item(opts.ItemID)
		if err != nil {
			return err
		}
		for _, existing := range it.Machines {
			if existing.MachineID == opts.MachineID {
				return fmt.Errorf("%w: machine %s already on item %s", domain.ErrDuplicateAssignment, opts.MachineID, opts.ItemID)
			}
		}
		a = domain.MachineAssignment{
			ID:             uuid.NewString(),
			MachineID:      m.ID,
			MachineName:    m.Name,
			MachineType:    m.Type,
			HourlyRate:     rate,
			EstimatedHours: opts.EstimatedHours,
			EstimatedCost:  cost.Amount(opts.EstimatedHours, rate),
		}
		it.Machines = append(it.Machines, a)
		c.emit(events.MachineAssigned, "item", opts.ItemID, events.EventPayload{
			"job_id": job.ID, "assignment_id": a.ID, "machine_id": m.ID, "hourly_rate": rate.String(),
		})
		return nil
	})
	if err != nil {
		return domain.MachineAssignment{}, err
	}
	return a, nil
}

// RemoveWorker drops a worker from an item.
func (e Engine) RemoveWorker(ctx context.Context, jobID, itemID, workerID, actorID string) (err error) {
	defer func(start time.Time) { e.observe("RemoveWorker", start, err) }(time.Now())
	_, err = e.mutateJob(ctx, jobID, actorID, auth.PermJobAssign, func(tx *sql.Tx, job *domain.Job, c *change) error {
		it, err := job.Item(itemID)
		if err != nil {
			return err
		}
		for i, w := range it.Workers {
			if w.WorkerID != workerID {
				continue
			}
			if err := lifecycle.CheckRemovable(job.Status, w.Timer); err != nil {
				return err
			}
			it.Workers = append(it.Workers[:i], it.Workers[i+1:]...)
			c.emit(events.WorkerRemoved, "item", itemID, events.EventPayload{"job_id": job.ID, "assignment_id": w.ID, "worker_id": workerID})
			return nil
		}
		return fmt.Errorf("%w: worker %s on item %s", domain.ErrNotFound, workerID, itemID)
	})
	return err
}

// RemoveMachine drops a machine from an item.
func (e Engine) RemoveMachine(ctx context.Context, jobID, itemID, machineID, actorID string) (err error) {
	defer func(start time.Time) { e.observe("RemoveMachine", start, err) }(time.Now())
	_, err = e.mutateJob(ctx, jobID, actorID, auth.PermJobAssign, func(tx *sql.Tx, job *domain.Job, c *change) error {
		it, err := job.Item(itemID)
		if err != nil {
			return err
		}
		for i, m := range it.Machines {
			if m.MachineID != machineID {
				continue
			}
			if err := lifecycle.CheckRemovable(job.Status, m.Timer); err != nil {
				return err
			}
			it.Machines = append(it.Machines[:i], it.Machines[i+1:]...)
			c.emit(events.MachineRemoved, "item", itemID, events.EventPayload{"job_id": job.ID, "assignment_id": m.ID, "machine_id": machineID})
			return nil
		}
		return fmt.Errorf("%w: machine %s on item %s", domain.ErrNotFound, machineID, itemID)
	})
	return err
}

// ManualConsumable is an ad-hoc usage line not backed by the catalog.
type ManualConsumable struct {
	Name      string
	UnitPrice decimal.Decimal
}

// ConsumableInput is either a catalog reference or a manual entry.
type ConsumableInput struct {
	JobID        string
	ItemID       string
	ConsumableID string
	Manual       *ManualConsumable
	Quantity     decimal.Decimal
	ActorID      string
}

// AddConsumableUsage records material used on an item with its unit price
// snapshotted.
func (e Engine) AddConsumableUsage(ctx context.Context, in ConsumableInput) (u domain.ConsumableUsage, err error) {
	defer func(start time.Time) { e.observe("AddConsumableUsage", start, err) }(time.Now())
	if (in.ConsumableID == "") == (in.Manual == nil) {
		return u, invalid("exactly one of consumable id or manual entry required")
	}
	if !in.Quantity.IsPositive() {
		return u, invalid("quantity must be positive")
	}
	job, _, err := e.peekItem(ctx, in.JobID, in.ItemID)
	if err != nil {
		return u, err
	}
	u = domain.ConsumableUsage{ID: uuid.NewString(), Quantity: in.Quantity, AddedAt: e.now()}
	if in.Manual != nil {
		if strings.TrimSpace(in.Manual.Name) == "" {
			return u, invalid("manual consumable name required")
		}
		if in.Manual.UnitPrice.IsNegative() {
			return u, invalid("manual consumable price must not be negative")
		}
		u.IsManual = true
		u.Name = strings.TrimSpace(in.Manual.Name)
		u.UnitPrice = in.Manual.UnitPrice
	} else {
		entry, err := e.Directory.GetConsumable(ctx, in.ConsumableID)
		if err != nil {
			return u, err
		}
		if err := sameShop("consumable", in.ConsumableID, job.ShopID, entry.ShopID); err != nil {
			return u, err
		}
		if !entry.Available {
			return u, fmt.Errorf("%w: consumable %s is not available", domain.ErrInvalidState, in.ConsumableID)
		}
		u.ConsumableID = entry.ID
		u.Name = entry.Name
		u.UnitPrice = entry.UnitPrice
	}
	_, err = e.mutateJob(ctx, in.JobID, in.ActorID, auth.PermConsumableUpdate, func(tx *sql.Tx, job *domain.Job, c *change) error {
		if err := lifecycle.CheckAssignable(job.Status); err != nil {
			return err
		}
		it, err := job.Item(in.ItemID)
		if err != nil {
			return err
		}
		if !u.IsManual {
			for _, existing := range it.Consumables {
				if !existing.IsManual && existing.ConsumableID == u.ConsumableID {
					return fmt.Errorf("%w: consumable %s already on item %s; update its quantity", domain.ErrDuplicateAssignment, u.ConsumableID, in.ItemID)
				}
			}
		}
		it.Consumables = append(it.Consumables, u)
		c.emit(events.ConsumableAdded, "item", in.ItemID, events.EventPayload{
			"job_id": job.ID, "usage_id": u.ID, "consumable_id": u.ConsumableID, "quantity": u.Quantity.String(), "unit_price": u.UnitPrice.String(),
		})
		return nil
	})
	if err != nil {
		return domain.ConsumableUsage{}, err
	}
	return u, nil
}

// UpdateConsumableQuantity sets the quantity of a usage line. consumableID
// matches either the usage id or, for catalog lines, the catalog id.
func (e Engine) UpdateConsumableQuantity(ctx context.Context, jobID, itemID, consumableID string, quantity decimal.Decimal, actorID string) (u domain.ConsumableUsage, err error) {
	defer func(start time.Time) { e.observe("UpdateConsumableQuantity", start, err) }(time.Now())
	if consumableID == "" {
		return u, invalid("consumable id required")
	}
	if quantity.IsNegative() {
		return u, invalid("quantity must not be negative")
	}
	_, err = e.mutateJob(ctx, jobID, actorID, auth.PermConsumableUpdate, func(tx *sql.Tx, job *domain.Job, c *change) error {
		if err := lifecycle.CheckAssignable(job.Status); err != nil {
			return err
		}
		it, err := job.Item(itemID)
		if err != nil {
			return err
		}
		for i := range it.Consumables {
			line := &it.Consumables[i]
			if line.ID != consumableID && (line.IsManual || line.ConsumableID != consumableID) {
				continue
			}
			if line.Quantity.Equal(quantity) {
				u = *line
				c.noop = true
				return nil
			}
			previous := line.Quantity
			line.Quantity = quantity
			u = *line
			c.emit(events.ConsumableUpdated, "item", itemID, events.EventPayload{
				"job_id": job.ID, "usage_id": line.ID, "from": previous.String(), "to": quantity.String(),
			})
			return nil
		}
		return fmt.Errorf("%w: consumable %s on item %s", domain.ErrNotFound, consumableID, itemID)
	})
	if err != nil {
		return domain.ConsumableUsage{}, err
	}
	return u, nil
}
