package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"jobline/internal/catalog"
	"jobline/internal/config"
	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/migrate"
	"jobline/internal/repo"
)

const shopID = "shop-1"

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	t         *testing.T
	Engine    engine.Engine
	Ctx       context.Context
	Clock     *clock
	Workspace string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	clk := &clock{now: t0}
	eng := engine.New(conn, zaptest.NewLogger(t))
	eng.Now = clk.Now

	cfg := config.Default(shopID)
	cfg.LaborCategories["general"] = config.Rate{HourlyRate: decimal.NewFromInt(10)}
	_, err = eng.InitShop(ctx, shopID, "Test Garage", cfg, "owner")
	require.NoError(t, err)
	for actor, role := range map[string]string{"est": "estimator", "tech": "technician", "sup": "supervisor", "qa": "qa"} {
		require.NoError(t, eng.GrantRole(ctx, shopID, "owner", actor, role))
	}
	for _, id := range []string{"w1", "w2", "w3", "w4", "w5", "w6", "w7", "w8"} {
		_, err := eng.RegisterEmployee(ctx, domain.Employee{ID: id, ShopID: shopID, Name: "Worker " + id}, "owner")
		require.NoError(t, err)
	}
	_, err = eng.RegisterMachine(ctx, domain.Machine{ID: "lift-1", ShopID: shopID, Name: "Lift 1", Type: "lift", IsAvailable: true}, "owner")
	require.NoError(t, err)
	_, err = eng.RegisterMachine(ctx, domain.Machine{ID: "booth-1", ShopID: shopID, Name: "Booth", Type: "paint_booth", IsAvailable: false}, "owner")
	require.NoError(t, err)
	_, err = eng.RegisterConsumable(ctx, domain.ConsumableEntry{ID: "oil", ShopID: shopID, Name: "Engine oil 1L", UnitPrice: decimal.RequireFromString("4.25"), Available: true}, "owner")
	require.NoError(t, err)
	return &testEnv{t: t, Engine: eng, Ctx: ctx, Clock: clk, Workspace: workspace}
}

func item(desc string, allowed int) engine.ItemInput {
	return engine.ItemInput{
		Description:       desc,
		Priority:          domain.PriorityHigh,
		LaborCategory:     "general",
		EstimatedManHours: decimal.NewFromInt(2),
		WorkersAllowed:    allowed,
	}
}

func customer() domain.Customer {
	return domain.Customer{Name: "Ana Ruiz", Phone: "+1 555 0100", Vehicle: domain.Vehicle{Plate: "ABC-123", Make: "Toyota", Model: "Corolla"}}
}

func (env *testEnv) createJob(items ...engine.ItemInput) domain.Job {
	env.t.Helper()
	job, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{ShopID: shopID, Customer: customer(), Items: items, ActorID: "est"})
	require.NoError(env.t, err)
	return job
}

func (env *testEnv) verifiedJob(items ...engine.ItemInput) domain.Job {
	env.t.Helper()
	job := env.createJob(items...)
	job, err := env.Engine.VerifyJob(env.Ctx, job.ID, "est")
	require.NoError(env.t, err)
	return job
}

func (env *testEnv) assign(job domain.Job, idx int, worker string) domain.WorkerAssignment {
	env.t.Helper()
	a, err := env.Engine.AssignWorker(env.Ctx, job.ID, job.Items[idx].ID, worker, "est")
	require.NoError(env.t, err)
	return a
}

func (env *testEnv) job(id string) domain.Job {
	env.t.Helper()
	job, err := env.Engine.Repo.GetJob(env.Ctx, id)
	require.NoError(env.t, err)
	return job
}

// runToCompletion starts and stops one worker on every item.
func (env *testEnv) runToCompletion(job domain.Job) domain.Job {
	env.t.Helper()
	for i := range job.Items {
		a := env.assign(job, i, "w"+string(rune('1'+i)))
		_, err := env.Engine.StartTimer(env.Ctx, job.ID, job.Items[i].ID, a.ID, "tech")
		require.NoError(env.t, err)
		env.Clock.Advance(time.Minute)
		_, err = env.Engine.StopTimer(env.Ctx, job.ID, job.Items[i].ID, a.ID, "tech")
		require.NoError(env.t, err)
	}
	return env.job(job.ID)
}

func TestCreateJobNumbersCardsAndSnapshotsRates(t *testing.T) {
	env := newTestEnv(t)
	first := env.createJob(item("Brake service", 1))
	second := env.createJob(item("Oil change", 1), item("Wipers", 1))

	assert.Equal(t, domain.JobWaiting, first.Status)
	assert.Equal(t, "JC-20250301-0001", first.JobCardNumber)
	assert.Equal(t, "JC-20250301-0002", second.JobCardNumber)
	assert.True(t, decimal.NewFromInt(10).Equal(first.Items[0].LaborRate))
	assert.True(t, decimal.NewFromInt(20).Equal(first.Items[0].EstimatedPrice))
	assert.True(t, decimal.NewFromInt(40).Equal(second.EstimatedTotal))
	assert.Equal(t, domain.ItemPending, second.Items[1].Status)

	_, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{ShopID: shopID, Customer: customer(), Items: []engine.ItemInput{item("x", 0)}, ActorID: "est"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{ShopID: shopID, Customer: customer(), Items: []engine.ItemInput{item("x", 1)}, ActorID: "tech"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	bad := item("x", 1)
	bad.LaborCategory = "underwater welding"
	_, err = env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{ShopID: shopID, Customer: customer(), Items: []engine.ItemInput{bad}, ActorID: "est"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestVerifyRequiresCustomerDetails(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.Engine.CreateJob(env.Ctx, engine.CreateJobOptions{
		ShopID:   shopID,
		Customer: domain.Customer{Name: "No Plate", Email: "np@example.com"},
		Items:    []engine.ItemInput{item("Brakes", 1)},
		ActorID:  "est",
	})
	require.NoError(t, err)

	_, err = env.Engine.VerifyJob(env.Ctx, job.ID, "est")
	assert.ErrorIs(t, err, domain.ErrNotVerifiable)
	assert.Equal(t, domain.JobWaiting, env.job(job.ID).Status)

	_, err = env.Engine.VerifyJob(env.Ctx, "missing", "est")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCapacityAssignRemoveReassign(t *testing.T) {
	env := newTestEnv(t)
	job := env.verifiedJob(item("Brake service", 1))
	itemID := job.Items[0].ID

	_, err := env.Engine.AssignWorker(env.Ctx, job.ID, itemID, "w1", "est")
	require.NoError(t, err)
	_, err = env.Engine.AssignWorker(env.Ctx, job.ID, itemID, "w2", "est")
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
	_, err = env.Engine.AssignWorker(env.Ctx, job.ID, itemID, "w1", "est")
	assert.ErrorIs(t, err, domain.ErrDuplicateAssignment)

	require.NoError(t, env.Engine.RemoveWorker(env.Ctx, job.ID, itemID, "w1", "est"))
	_, err = env.Engine.AssignWorker(env.Ctx, job.ID, itemID, "w2", "est")
	require.NoError(t, err)

	got := env.job(job.ID).Items[0]
	require.Len(t, got.Workers, 1)
	assert.Equal(t, "w2", got.Workers[0].WorkerID)
	assert.ErrorIs(t, env.Engine.RemoveWorker(env.Ctx, job.ID, itemID, "w1", "est"), domain.ErrNotFound)
	_, err = env.Engine.AssignWorker(env.Ctx, job.ID, itemID, "nobody", "est")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPauseResumeStopAccumulatesAndCosts(t *testing.T) {
	env := newTestEnv(t)
	job := env.verifiedJob(item("Brake service", 1))
	itemID := job.Items[0].ID
	a := env.assign(job, 0, "w1")

	_, err := env.Engine.StartTimer(env.Ctx, job.ID, itemID, a.ID, "tech")
	require.NoError(t, err)
	assert.Equal(t, domain.JobInProgress, env.job(job.ID).Status)

	env.Clock.Advance(100 * time.Second)
	tm, err := env.Engine.PauseTimer(env.Ctx, job.ID, itemID, a.ID, "tech")
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), tm.AccumulatedMS)

	env.Clock.Advance(50 * time.Second)
	_, err = env.Engine.StartTimer(env.Ctx, job.ID, itemID, a.ID, "tech")
	require.NoError(t, err)
	env.Clock.Advance(50 * time.Second)
	tm, err = env.Engine.StopTimer(env.Ctx, job.ID, itemID, a.ID, "tech")
	require.NoError(t, err)
	assert.Equal(t, int64(150_000), tm.AccumulatedMS)

	view, err := env.Engine.GetJobView(env.Ctx, job.ID, "tech")
	require.NoError(t, err)
	assert.Equal(t, "0.4167", view.Costs.Actual.String())
	assert.Equal(t, domain.ItemCompleted, view.Items[0].Status)
	assert.Equal(t, domain.JobCompleted, view.Status)
	require.Len(t, view.Assignments, 1)
	assert.Equal(t, int64(150), view.Assignments[0].ElapsedSeconds)

	_, err = env.Engine.StartTimer(env.Ctx, job.ID, itemID, a.ID, "tech")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, int64(150_000), env.job(job.ID).Items[0].Workers[0].AccumulatedMS)
}

func TestJobCompletesWithLastItem(t *testing.T) {
	env := newTestEnv(t)
	job := env.verifiedJob(item("Body work", 1), item("Painting", 1))
	a1 := env.assign(job, 0, "w1")
	a2 := env.assign(job, 1, "w2")

	for _, pair := range [][2]string{{job.Items[0].ID, a1.ID}, {job.Items[1].ID, a2.ID}} {
		_, err := env.Engine.StartTimer(env.Ctx, job.ID, pair[0], pair[1], "tech")
		require.NoError(t, err)
	}
	env.Clock.Advance(10 * time.Minute)
	_, err := env.Engine.StopTimer(env.Ctx, job.ID, job.Items[0].ID, a1.ID, "tech")
	require.NoError(t, err)

	got := env.job(job.ID)
	assert.Equal(t, domain.ItemCompleted, got.Items[0].Status)
	assert.Equal(t, domain.ItemRunning, got.Items[1].Status)
	assert.Equal(t, domain.JobInProgress, got.Status)

	env.Clock.Advance(5 * time.Minute)
	_, err = env.Engine.StopTimer(env.Ctx, job.ID, job.Items[1].ID, a2.ID, "tech")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, env.job(job.ID).Status)
}

func TestNeedsWorkRejectsAndKeepsJobEditable(t *testing.T) {
	env := newTestEnv(t)
	job := env.runToCompletion(env.verifiedJob(item("Painting", 2)))
	require.Equal(t, domain.JobCompleted, job.Status)
	itemID := job.Items[0].ID

	_, err := env.Engine.SupervisorApprove(env.Ctx, job.ID, "sup")
	require.NoError(t, err)
	_, err = env.Engine.QAMarkNeedsWork(env.Ctx, job.ID, itemID, "qa", "   ")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	job, err = env.Engine.QAMarkNeedsWork(env.Ctx, job.ID, itemID, "qa", "redo paint")
	require.NoError(t, err)
	assert.Equal(t, domain.JobRejected, job.Status)
	assert.Equal(t, domain.QualityNeedsWork, job.Items[0].Quality.Status)

	audits, err := env.Engine.ListRejections(env.Ctx, job.ID, "sup")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "redo paint", audits[0].Reason)
	assert.Equal(t, "qa", audits[0].RejectedBy)
	assert.Equal(t, itemID, audits[0].ItemID)
	assert.Contains(t, audits[0].JobSnapshot, `"status":"rejected"`)

	// rework: the stopped assignment may go, a new worker comes in
	require.NoError(t, env.Engine.RemoveWorker(env.Ctx, job.ID, itemID, "w1", "est"))
	a := env.assign(job, 0, "w2")
	assert.Equal(t, domain.JobRejected, env.job(job.ID).Status)
	_, err = env.Engine.StartTimer(env.Ctx, job.ID, itemID, a.ID, "tech")
	require.NoError(t, err)
	assert.Equal(t, domain.JobInProgress, env.job(job.ID).Status)
}

func TestQAAllGoodApproves(t *testing.T) {
	env := newTestEnv(t)
	job := env.runToCompletion(env.verifiedJob(item("Brakes", 1), item("Tyres", 1)))
	_, err := env.Engine.SupervisorApprove(env.Ctx, job.ID, "sup")
	require.NoError(t, err)

	job, err = env.Engine.QAMarkGood(env.Ctx, job.ID, job.Items[0].ID, "qa")
	require.NoError(t, err)
	assert.Equal(t, domain.JobSupervisorApproved, job.Status)
	job, err = env.Engine.QAMarkGood(env.Ctx, job.ID, job.Items[1].ID, "qa")
	require.NoError(t, err)
	assert.Equal(t, domain.JobApproved, job.Status)

	_, err = env.Engine.QAMarkNeedsWork(env.Ctx, job.ID, job.Items[0].ID, "qa", "late find")
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	_, err = env.Engine.AssignWorker(env.Ctx, job.ID, job.Items[0].ID, "w5", "est")
	assert.ErrorIs(t, err, domain.ErrJobLocked)
}

func TestConcurrentStartsRecordOneInterval(t *testing.T) {
	env := newTestEnv(t)
	job := env.verifiedJob(item("Alignment", 1))
	itemID := job.Items[0].ID
	a := env.assign(job, 0, "w1")

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.StartTimer(env.Ctx, job.ID, itemID, a.ID, "tech")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	env.Clock.Advance(time.Minute)
	tm, err := env.Engine.StopTimer(env.Ctx, job.ID, itemID, a.ID, "tech")
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), tm.AccumulatedMS)

	started, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{ShopID: shopID, Type: "timer.started"}, "tech")
	require.NoError(t, err)
	assert.Len(t, started, 1)
}

func TestConcurrentAssignHonorsCapacity(t *testing.T) {
	env := newTestEnv(t)
	job := env.verifiedJob(item("Engine rebuild", 3))
	itemID := job.Items[0].ID

	workers := []string{"w1", "w2", "w3", "w4", "w5", "w6", "w7", "w8"}
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, full := 0, 0
	for _, w := range workers {
		wg.Add(1)
		go func(w string) {
			defer wg.Done()
			_, err := env.Engine.AssignWorker(env.Ctx, job.ID, itemID, w, "est")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				return
			}
			assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
			full++
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, 5, full)
	assert.Len(t, env.job(job.ID).Items[0].Workers, 3)
}

func TestStopIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	job := env.verifiedJob(item("Brakes", 1))
	itemID := job.Items[0].ID
	a := env.assign(job, 0, "w1")

	_, err := env.Engine.StopTimer(env.Ctx, job.ID, itemID, a.ID, "tech")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = env.Engine.StartTimer(env.Ctx, job.ID, itemID, a.ID, "tech")
	require.NoError(t, err)
	env.Clock.Advance(42 * time.Second)
	first, err := env.Engine.StopTimer(env.Ctx, job.ID, itemID, a.ID, "tech")
	require.NoError(t, err)
	version := env.job(job.ID).Version

	env.Clock.Advance(time.Hour)
	second, err := env.Engine.StopTimer(env.Ctx, job.ID, itemID, a.ID, "tech")
	require.NoError(t, err)
	assert.Equal(t, first.AccumulatedMS, second.AccumulatedMS)
	assert.True(t, first.EndTime.Equal(*second.EndTime))
	assert.Equal(t, version, env.job(job.ID).Version)

	_, err = env.Engine.SupervisorApprove(env.Ctx, job.ID, "sup")
	require.NoError(t, err)
	_, err = env.Engine.StopTimer(env.Ctx, job.ID, itemID, a.ID, "tech")
	assert.NoError(t, err)
}

func TestLifecycleOrdering(t *testing.T) {
	env := newTestEnv(t)
	job := env.verifiedJob(item("Brakes", 1))
	itemID := job.Items[0].ID

	_, err := env.Engine.QAMarkGood(env.Ctx, job.ID, itemID, "qa")
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	_, err = env.Engine.SupervisorApprove(env.Ctx, job.ID, "sup")
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	_, err = env.Engine.RejectJob(env.Ctx, job.ID, "bad", "qa")
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	_, err = env.Engine.VerifyJob(env.Ctx, job.ID, "est")
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)

	job = env.runToCompletion(job)
	_, err = env.Engine.SupervisorApprove(env.Ctx, job.ID, "tech")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = env.Engine.SupervisorApprove(env.Ctx, job.ID, "sup")
	require.NoError(t, err)

	_, err = env.Engine.AssignWorker(env.Ctx, job.ID, itemID, "w3", "est")
	assert.ErrorIs(t, err, domain.ErrJobLocked)
	_, err = env.Engine.AddConsumableUsage(env.Ctx, engine.ConsumableInput{JobID: job.ID, ItemID: itemID, ConsumableID: "oil", Quantity: decimal.NewFromInt(1), ActorID: "tech"})
	assert.ErrorIs(t, err, domain.ErrJobLocked)

	job, err = env.Engine.RejectJob(env.Ctx, job.ID, "customer complaint", "qa")
	require.NoError(t, err)
	assert.Equal(t, domain.JobRejected, job.Status)
}

func TestTimersNeedVerifiedJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(item("Brakes", 1))
	a := env.assign(job, 0, "w1")

	_, err := env.Engine.StartTimer(env.Ctx, job.ID, job.Items[0].ID, a.ID, "tech")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = env.Engine.StartTimer(env.Ctx, job.ID, job.Items[0].ID, "no-such-assignment", "tech")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.Engine.StartTimer(env.Ctx, job.ID, job.Items[0].ID, a.ID, "qa")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestRemoveCompletedAssignmentNeedsRework(t *testing.T) {
	env := newTestEnv(t)
	job := env.verifiedJob(item("Brakes", 2))
	itemID := job.Items[0].ID
	a := env.assign(job, 0, "w1")
	env.assign(job, 0, "w2")
	_, err := env.Engine.StartTimer(env.Ctx, job.ID, itemID, a.ID, "tech")
	require.NoError(t, err)
	_, err = env.Engine.StopTimer(env.Ctx, job.ID, itemID, a.ID, "tech")
	require.NoError(t, err)

	assert.ErrorIs(t, env.Engine.RemoveWorker(env.Ctx, job.ID, itemID, "w1", "est"), domain.ErrInvalidState)
	require.NoError(t, env.Engine.RemoveWorker(env.Ctx, job.ID, itemID, "w2", "est"))

	// the only remaining assignment is stopped, so the item and job complete
	got := env.job(job.ID)
	assert.Equal(t, domain.ItemCompleted, got.Items[0].Status)
	assert.Equal(t, domain.JobCompleted, got.Status)

	// a fresh assignment reopens the item
	env.assign(got, 0, "w3")
	assert.Equal(t, domain.JobInProgress, env.job(job.ID).Status)
}

func TestApprovedJobReportsCompletedAssignments(t *testing.T) {
	env := newTestEnv(t)
	job := env.runToCompletion(env.verifiedJob(item("Brakes", 1)))
	itemID := job.Items[0].ID
	a := job.Items[0].Workers[0]
	_, err := env.Engine.SupervisorApprove(env.Ctx, job.ID, "sup")
	require.NoError(t, err)

	_, err = env.Engine.StartTimer(env.Ctx, job.ID, itemID, a.ID, "tech")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, "invalid_state", domain.KindOf(err))
	_, err = env.Engine.PauseTimer(env.Ctx, job.ID, itemID, a.ID, "tech")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	err = env.Engine.RemoveWorker(env.Ctx, job.ID, itemID, a.WorkerID, "est")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, "invalid_state", domain.KindOf(err))

	// new work on the locked job is still refused as locked
	_, err = env.Engine.AssignWorker(env.Ctx, job.ID, itemID, "w3", "est")
	assert.ErrorIs(t, err, domain.ErrJobLocked)
	assert.Equal(t, domain.JobSupervisorApproved, env.job(job.ID).Status)
}

func TestMachineAssignmentSnapshotsRate(t *testing.T) {
	env := newTestEnv(t)
	job := env.verifiedJob(item("Suspension", 1))
	itemID := job.Items[0].ID

	_, err := env.Engine.AssignMachine(env.Ctx, engine.AssignMachineOptions{JobID: job.ID, ItemID: itemID, MachineID: "booth-1", ActorID: "est"})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	m, err := env.Engine.AssignMachine(env.Ctx, engine.AssignMachineOptions{JobID: job.ID, ItemID: itemID, MachineID: "lift-1", EstimatedHours: decimal.NewFromInt(3), ActorID: "est"})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(8).Equal(m.HourlyRate))
	assert.True(t, decimal.NewFromInt(24).Equal(m.EstimatedCost))
	_, err = env.Engine.AssignMachine(env.Ctx, engine.AssignMachineOptions{JobID: job.ID, ItemID: itemID, MachineID: "lift-1", ActorID: "est"})
	assert.ErrorIs(t, err, domain.ErrDuplicateAssignment)

	cfg, err := env.Engine.Repo.GetShopConfig(env.Ctx, shopID)
	require.NoError(t, err)
	cfg.MachineCategories["lift"] = config.Rate{HourlyRate: decimal.NewFromInt(80)}
	require.NoError(t, env.Engine.UpdateShopConfig(env.Ctx, shopID, cfg, "owner"))

	_, err = env.Engine.StartTimer(env.Ctx, job.ID, itemID, m.ID, "tech")
	require.NoError(t, err)
	env.Clock.Advance(30 * time.Minute)
	_, err = env.Engine.StopTimer(env.Ctx, job.ID, itemID, m.ID, "tech")
	require.NoError(t, err)

	view, err := env.Engine.GetJobView(env.Ctx, job.ID, "tech")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(4).Equal(view.Costs.Items[0].ActualMachines), "got %s", view.Costs.Items[0].ActualMachines)
	assert.True(t, decimal.NewFromInt(44).Equal(view.Costs.Estimated), "got %s", view.Costs.Estimated)
	assert.Equal(t, domain.JobCompleted, view.Status)
}

func TestConsumableUsage(t *testing.T) {
	env := newTestEnv(t)
	job := env.verifiedJob(item("Oil change", 1))
	itemID := job.Items[0].ID

	u, err := env.Engine.AddConsumableUsage(env.Ctx, engine.ConsumableInput{JobID: job.ID, ItemID: itemID, ConsumableID: "oil", Quantity: decimal.NewFromInt(4), ActorID: "tech"})
	require.NoError(t, err)
	assert.Equal(t, "Engine oil 1L", u.Name)
	_, err = env.Engine.AddConsumableUsage(env.Ctx, engine.ConsumableInput{JobID: job.ID, ItemID: itemID, ConsumableID: "oil", Quantity: decimal.NewFromInt(1), ActorID: "tech"})
	assert.ErrorIs(t, err, domain.ErrDuplicateAssignment)
	_, err = env.Engine.AddConsumableUsage(env.Ctx, engine.ConsumableInput{JobID: job.ID, ItemID: itemID, ConsumableID: "oil", Quantity: decimal.Zero, ActorID: "tech"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = env.Engine.AddConsumableUsage(env.Ctx, engine.ConsumableInput{
		JobID: job.ID, ItemID: itemID, ActorID: "tech",
		Manual:   &engine.ManualConsumable{Name: "Shop rags", UnitPrice: decimal.RequireFromString("0.50")},
		Quantity: decimal.NewFromInt(3),
	})
	require.NoError(t, err)

	u, err = env.Engine.UpdateConsumableQuantity(env.Ctx, job.ID, itemID, "oil", decimal.RequireFromString("4.5"), "tech")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("4.5").Equal(u.Quantity))
	_, err = env.Engine.UpdateConsumableQuantity(env.Ctx, job.ID, itemID, "coolant", decimal.NewFromInt(1), "tech")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	view, err := env.Engine.GetJobView(env.Ctx, job.ID, "tech")
	require.NoError(t, err)
	// 4.5 x 4.25 + 3 x 0.50
	assert.True(t, decimal.RequireFromString("20.625").Equal(view.Costs.Items[0].Consumables), "got %s", view.Costs.Items[0].Consumables)
	assert.True(t, decimal.RequireFromString("40.625").Equal(view.Costs.Estimated))
}

func TestUpdateItemEstimateRecomputesPrice(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(item("Wiring", 1))
	hours := decimal.RequireFromString("1.5")
	cat := "electrical"
	two := 2

	job, err := env.Engine.UpdateItemEstimate(env.Ctx, engine.UpdateItemEstimateOptions{
		JobID: job.ID, ItemID: job.Items[0].ID, LaborCategory: &cat, EstimatedManHours: &hours, WorkersAllowed: &two, ActorID: "est",
	})
	require.NoError(t, err)
	it := job.Items[0]
	assert.Equal(t, "electrical", it.LaborCategory)
	assert.Equal(t, 2, it.WorkersAllowed)
	assert.True(t, decimal.RequireFromString("82.5").Equal(it.EstimatedPrice), "got %s", it.EstimatedPrice)
	assert.True(t, it.EstimatedPrice.Equal(job.EstimatedTotal))
}

type failingRates struct{}

func (failingRates) ResolveHourlyRate(context.Context, string, catalog.Kind, string) (decimal.Decimal, error) {
	return decimal.Zero, fmt.Errorf("%w: rate service down", domain.ErrDependencyUnavailable)
}

func TestRateFailureAbortsAssignment(t *testing.T) {
	env := newTestEnv(t)
	job := env.verifiedJob(item("Brakes", 1))
	env.Engine.Rates = failingRates{}

	_, err := env.Engine.AssignWorker(env.Ctx, job.ID, job.Items[0].ID, "w1", "est")
	assert.ErrorIs(t, err, domain.ErrDependencyUnavailable)
	assert.Empty(t, env.job(job.ID).Items[0].Workers)
}

func TestGetJobViewIsLiveAndReadOnly(t *testing.T) {
	env := newTestEnv(t)
	job := env.verifiedJob(item("Diagnostics", 1))
	a := env.assign(job, 0, "w1")
	_, err := env.Engine.StartTimer(env.Ctx, job.ID, job.Items[0].ID, a.ID, "tech")
	require.NoError(t, err)
	version := env.job(job.ID).Version

	env.Clock.Advance(30 * time.Minute)
	first, err := env.Engine.GetJobView(env.Ctx, job.ID, "qa")
	require.NoError(t, err)
	second, err := env.Engine.GetJobView(env.Ctx, job.ID, "qa")
	require.NoError(t, err)

	assert.Equal(t, int64(1800), first.Assignments[0].ElapsedSeconds)
	assert.True(t, decimal.NewFromInt(5).Equal(first.ActualTotal))
	assert.True(t, first.Costs.Actual.Equal(second.Costs.Actual))
	assert.Equal(t, version, env.job(job.ID).Version)
	assert.Equal(t, int64(0), env.job(job.ID).Items[0].Workers[0].AccumulatedMS)

	_, err = env.Engine.GetJobView(env.Ctx, job.ID, "stranger")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestReadsDoNotQueueBehindWriter(t *testing.T) {
	env := newTestEnv(t)
	job := env.verifiedJob(item("Brakes", 1))
	reader, err := db.OpenReader(db.Config{Workspace: env.Workspace})
	require.NoError(t, err)
	defer reader.Close()
	env.Engine.ReadDB = reader

	// hold the only writer connection and the write lock
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	ctx, cancel := context.WithTimeout(env.Ctx, 2*time.Second)
	defer cancel()
	jobs, err := env.Engine.ListJobs(ctx, repo.JobFilters{ShopID: shopID}, "est")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	view, err := env.Engine.GetJobView(ctx, job.ID, "est")
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, view.Status)
	evts, err := env.Engine.ListEvents(ctx, repo.EventFilters{ShopID: shopID}, "est")
	require.NoError(t, err)
	assert.NotEmpty(t, evts)
}

func TestListJobsAndWhoAmI(t *testing.T) {
	env := newTestEnv(t)
	a := env.createJob(item("A", 1))
	env.Clock.Advance(time.Second)
	b := env.verifiedJob(item("B", 1))

	jobs, err := env.Engine.ListJobs(env.Ctx, repo.JobFilters{ShopID: shopID}, "tech")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, b.ID, jobs[0].ID)
	assert.Equal(t, a.ID, jobs[1].ID)

	pending, err := env.Engine.ListJobs(env.Ctx, repo.JobFilters{ShopID: shopID, Status: string(domain.JobPending)}, "tech")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	me, err := env.Engine.WhoAmI(env.Ctx, shopID, "sup")
	require.NoError(t, err)
	assert.Equal(t, []string{"supervisor"}, me.Roles)
	assert.Contains(t, me.Permissions, "job.supervise")
	assert.NotContains(t, me.Permissions, "job.qa")

	require.NoError(t, env.Engine.RevokeRole(env.Ctx, shopID, "owner", "sup", "supervisor"))
	me, err = env.Engine.WhoAmI(env.Ctx, shopID, "sup")
	require.NoError(t, err)
	assert.Empty(t, me.Roles)
	assert.ErrorIs(t, env.Engine.GrantRole(env.Ctx, shopID, "tech", "tech", "owner"), domain.ErrUnauthorized)
}
