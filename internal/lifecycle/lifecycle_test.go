package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobline/internal/domain"
)

var now = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func running() domain.Timer {
	start := now
	return domain.Timer{StartTime: &start, RunningSince: &start}
}

func paused() domain.Timer {
	start := now
	return domain.Timer{StartTime: &start, AccumulatedMS: 1000}
}

func stopped() domain.Timer {
	start, end := now, now.Add(time.Minute)
	return domain.Timer{StartTime: &start, EndTime: &end, AccumulatedMS: 60_000}
}

func item(workers ...domain.Timer) domain.JobItem {
	it := domain.JobItem{ID: "item"}
	for _, w := range workers {
		it.Workers = append(it.Workers, domain.WorkerAssignment{Timer: w})
	}
	return it
}

func TestDeriveItemStatus(t *testing.T) {
	cases := []struct {
		name string
		item domain.JobItem
		want domain.ItemStatus
	}{
		{"no assignments", item(), domain.ItemPending},
		{"not started", item(domain.Timer{}), domain.ItemPending},
		{"one running", item(domain.Timer{}, running()), domain.ItemRunning},
		{"paused counts as running", item(paused()), domain.ItemRunning},
		{"running beside stopped", item(stopped(), running()), domain.ItemRunning},
		{"stopped beside not started", item(stopped(), domain.Timer{}), domain.ItemPending},
		{"all stopped", item(stopped(), stopped()), domain.ItemCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveItemStatus(tc.item))
		})
	}

	withMachine := item(stopped())
	withMachine.Machines = []domain.MachineAssignment{{Timer: running()}}
	assert.Equal(t, domain.ItemRunning, DeriveItemStatus(withMachine))
}

func TestReconcile(t *testing.T) {
	done := item(stopped())
	active := item(running())
	idle := item(domain.Timer{})

	assert.Equal(t, domain.JobInProgress, Reconcile(domain.JobPending, []domain.JobItem{active, idle}))
	assert.Equal(t, domain.JobPending, Reconcile(domain.JobPending, []domain.JobItem{idle}))
	assert.Equal(t, domain.JobInProgress, Reconcile(domain.JobInProgress, []domain.JobItem{done, active}))
	assert.Equal(t, domain.JobCompleted, Reconcile(domain.JobInProgress, []domain.JobItem{done, done}))
	assert.Equal(t, domain.JobInProgress, Reconcile(domain.JobCompleted, []domain.JobItem{done, idle}))
	assert.Equal(t, domain.JobRejected, Reconcile(domain.JobRejected, []domain.JobItem{done}))
	assert.Equal(t, domain.JobInProgress, Reconcile(domain.JobRejected, []domain.JobItem{active}))
	assert.Equal(t, domain.JobWaiting, Reconcile(domain.JobWaiting, []domain.JobItem{active}))
	assert.Equal(t, domain.JobSupervisorApproved, Reconcile(domain.JobSupervisorApproved, []domain.JobItem{idle}))
}

func TestRefreshReportsChangedItems(t *testing.T) {
	job := domain.Job{Items: []domain.JobItem{item(running()), item()}}
	job.Items[0].ID, job.Items[1].ID = "a", "b"
	job.Items[1].Status = domain.ItemPending

	assert.Equal(t, []string{"a"}, Refresh(&job))
	assert.Equal(t, domain.ItemRunning, job.Items[0].Status)
	assert.Empty(t, Refresh(&job))
}

func TestCheckTransitionRejectsSkips(t *testing.T) {
	require.NoError(t, CheckTransition(domain.JobWaiting, domain.JobPending))
	require.NoError(t, CheckTransition(domain.JobCompleted, domain.JobSupervisorApproved))
	require.NoError(t, CheckTransition(domain.JobSupervisorApproved, domain.JobRejected))

	for _, tc := range [][2]domain.JobStatus{
		{domain.JobWaiting, domain.JobApproved},
		{domain.JobPending, domain.JobCompleted},
		{domain.JobInProgress, domain.JobSupervisorApproved},
		{domain.JobCompleted, domain.JobApproved},
		{domain.JobApproved, domain.JobRejected},
	} {
		assert.ErrorIs(t, CheckTransition(tc[0], tc[1]), domain.ErrIllegalTransition, "%s -> %s", tc[0], tc[1])
	}
}

func TestGuards(t *testing.T) {
	assert.ErrorIs(t, CheckAssignable(domain.JobSupervisorApproved), domain.ErrJobLocked)
	assert.ErrorIs(t, CheckAssignable(domain.JobApproved), domain.ErrJobLocked)
	assert.NoError(t, CheckAssignable(domain.JobRejected))
	assert.NoError(t, CheckAssignable(domain.JobWaiting))

	assert.ErrorIs(t, CheckTimersAllowed(domain.JobWaiting), domain.ErrInvalidState)
	assert.ErrorIs(t, CheckTimersAllowed(domain.JobSupervisorApproved), domain.ErrJobLocked)
	assert.NoError(t, CheckTimersAllowed(domain.JobPending))

	assert.ErrorIs(t, CheckRemovable(domain.JobInProgress, stopped()), domain.ErrInvalidState)
	assert.NoError(t, CheckRemovable(domain.JobRejected, stopped()))
	assert.NoError(t, CheckRemovable(domain.JobInProgress, running()))
	assert.ErrorIs(t, CheckRemovable(domain.JobSupervisorApproved, stopped()), domain.ErrInvalidState)
	assert.ErrorIs(t, CheckRemovable(domain.JobApproved, stopped()), domain.ErrInvalidState)
	assert.ErrorIs(t, CheckRemovable(domain.JobSupervisorApproved, running()), domain.ErrJobLocked)

	assert.ErrorIs(t, CheckQA(domain.JobPending), domain.ErrIllegalTransition)
	assert.NoError(t, CheckQA(domain.JobSupervisorApproved))
}

func TestAllGood(t *testing.T) {
	good := domain.JobItem{Quality: domain.QualityReview{Status: domain.QualityGood}}
	assert.False(t, AllGood(nil))
	assert.False(t, AllGood([]domain.JobItem{good, {}}))
	assert.True(t, AllGood([]domain.JobItem{good, good}))
}

func TestCheckVerifiable(t *testing.T) {
	err := CheckVerifiable(domain.Customer{})
	require.ErrorIs(t, err, domain.ErrNotVerifiable)
	assert.Contains(t, err.Error(), "vehicle plate")

	ok := domain.Customer{Name: "Ana", Email: "ana@example.com", Vehicle: domain.Vehicle{Plate: "KA-01-1234"}}
	assert.NoError(t, CheckVerifiable(ok))
	ok.Email = ""
	assert.ErrorIs(t, CheckVerifiable(ok), domain.ErrNotVerifiable)
}
