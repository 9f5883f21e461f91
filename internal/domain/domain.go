package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type JobStatus string

const (
	JobWaiting            JobStatus = "waiting"
	JobPending            JobStatus = "pending"
	JobInProgress         JobStatus = "in_progress"
	JobCompleted          JobStatus = "completed"
	JobSupervisorApproved JobStatus = "supervisor_approved"
	JobApproved           JobStatus = "approved"
	JobRejected           JobStatus = "rejected"
)

type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemRunning   ItemStatus = "running"
	ItemCompleted ItemStatus = "completed"
)

type QualityStatus string

const (
	QualityUnreviewed QualityStatus = ""
	QualityGood       QualityStatus = "good"
	QualityNeedsWork  QualityStatus = "needs_work"
)

type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

type Vehicle struct {
	Plate    string `json:"plate"`
	Make     string `json:"make,omitempty"`
	Model    string `json:"model,omitempty"`
	Year     int    `json:"year,omitempty"`
	VIN      string `json:"vin,omitempty"`
	Odometer int64  `json:"odometer,omitempty"`
}

// Customer is the denormalized customer snapshot stored on a job.
type Customer struct {
	ID      string  `json:"id,omitempty"`
	Name    string  `json:"name"`
	Phone   string  `json:"phone,omitempty"`
	Email   string  `json:"email,omitempty"`
	Vehicle Vehicle `json:"vehicle"`
}

// Timer holds the persisted timing state of one assignment. RunningSince is the
// start of the currently open interval and is nil while paused or stopped.
type Timer struct {
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	RunningSince  *time.Time `json:"running_since,omitempty"`
	AccumulatedMS int64      `json:"accumulated_ms"`
}

type WorkerAssignment struct {
	ID         string          `json:"id"`
	WorkerID   string          `json:"worker_id"`
	WorkerName string          `json:"worker_name,omitempty"`
	HourlyRate decimal.Decimal `json:"hourly_rate"`
	Timer
}

type MachineAssignment struct {
	ID             string          `json:"id"`
	MachineID      string          `json:"machine_id"`
	MachineName    string          `json:"machine_name,omitempty"`
	MachineType    string          `json:"machine_type"`
	HourlyRate     decimal.Decimal `json:"hourly_rate"`
	EstimatedHours decimal.Decimal `json:"estimated_hours"`
	EstimatedCost  decimal.Decimal `json:"estimated_cost"`
	Timer
}

type ConsumableUsage struct {
	ID           string          `json:"id"`
	ConsumableID string          `json:"consumable_id,omitempty"`
	IsManual     bool            `json:"is_manual"`
	Name         string          `json:"name"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Quantity     decimal.Decimal `json:"quantity_used"`
	AddedAt      time.Time       `json:"added_at"`
}

type QualityReview struct {
	Status     QualityStatus `json:"status,omitempty"`
	ReviewerID string        `json:"reviewer_id,omitempty"`
	Notes      string        `json:"notes,omitempty"`
	ReviewedAt *time.Time    `json:"reviewed_at,omitempty"`
}

type JobItem struct {
	ID                string              `json:"id"`
	JobID             string              `json:"job_id"`
	Description       string              `json:"description"`
	Priority          Priority            `json:"priority"`
	JobTypeRef        string              `json:"job_type_ref,omitempty"`
	LaborCategory     string              `json:"labor_category"`
	LaborRate         decimal.Decimal     `json:"labor_rate"`
	EstimatedManHours decimal.Decimal     `json:"estimated_man_hours"`
	WorkersAllowed    int                 `json:"number_of_workers_allowed"`
	EstimatedPrice    decimal.Decimal     `json:"estimated_price"`
	Status            ItemStatus          `json:"status"`
	Quality           QualityReview       `json:"quality"`
	Workers           []WorkerAssignment  `json:"workers"`
	Machines          []MachineAssignment `json:"machines"`
	Consumables       []ConsumableUsage   `json:"consumables"`
}

type Job struct {
	ID             string          `json:"id"`
	ShopID         string          `json:"shop_id"`
	JobCardNumber  string          `json:"job_card_number"`
	Customer       Customer        `json:"customer"`
	Status         JobStatus       `json:"status"`
	Items          []JobItem       `json:"items"`
	Notes          string          `json:"notes,omitempty"`
	EstimatedTotal decimal.Decimal `json:"estimated_total"`
	ActualTotal    decimal.Decimal `json:"actual_total"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Version        int64           `json:"version"`
}

// Item returns the item with the given id.
func (j *Job) Item(itemID string) (*JobItem, error) {
	for i := range j.Items {
		if j.Items[i].ID == itemID {
			return &j.Items[i], nil
		}
	}
	return nil, fmt.Errorf("%w: item %s in job %s", ErrNotFound, itemID, j.ID)
}

// Worker returns the worker assignment with the given assignment id.
func (it *JobItem) Worker(assignmentID string) (*WorkerAssignment, bool) {
	for i := range it.Workers {
		if it.Workers[i].ID == assignmentID {
			return &it.Workers[i], true
		}
	}
	return nil, false
}

// Machine returns the machine assignment with the given assignment id.
func (it *JobItem) Machine(assignmentID string) (*MachineAssignment, bool) {
	for i := range it.Machines {
		if it.Machines[i].ID == assignmentID {
			return &it.Machines[i], true
		}
	}
	return nil, false
}

// TimerFor resolves an assignment id to its timer, worker or machine.
func (it *JobItem) TimerFor(assignmentID string) (*Timer, error) {
	if w, ok := it.Worker(assignmentID); ok {
		return &w.Timer, nil
	}
	if m, ok := it.Machine(assignmentID); ok {
		return &m.Timer, nil
	}
	return nil, fmt.Errorf("%w: assignment %s on item %s", ErrNotFound, assignmentID, it.ID)
}

// Timers lists every assignment timer on the item, workers first.
func (it *JobItem) Timers() []Timer {
	out := make([]Timer, 0, len(it.Workers)+len(it.Machines))
	for _, w := range it.Workers {
		out = append(out, w.Timer)
	}
	for _, m := range it.Machines {
		out = append(out, m.Timer)
	}
	return out
}

type RejectionAudit struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	ShopID      string    `json:"shop_id"`
	ItemID      string    `json:"item_id,omitempty"`
	Reason      string    `json:"reason"`
	RejectedBy  string    `json:"rejected_by"`
	TS          time.Time `json:"ts"`
	JobSnapshot string    `json:"job_snapshot"`
}

type Shop struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Employee struct {
	ID             string `json:"id"`
	ShopID         string `json:"shop_id"`
	Name           string `json:"name"`
	Specialization string `json:"specialization,omitempty"`
}

type Machine struct {
	ID          string `json:"id"`
	ShopID      string `json:"shop_id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	IsAvailable bool   `json:"is_available"`
}

type ConsumableEntry struct {
	ID        string          `json:"id"`
	ShopID    string          `json:"shop_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Available bool            `json:"available"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ShopID     string `json:"shop_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ActorProfile struct {
	ShopID      string   `json:"shop_id"`
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}
