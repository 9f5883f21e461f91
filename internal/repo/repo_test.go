package repo_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobline/internal/config"
	"jobline/internal/db"
	"jobline/internal/domain"
	"jobline/internal/migrate"
	"jobline/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	require.NoError(t, r.InsertShop(ctx, nil, domain.Shop{ID: "shop-1", Name: "Garage", Status: "active", CreatedAt: "2025-03-01T08:00:00Z"}))
	return r, ctx
}

func inTx(t *testing.T, r repo.Repo, ctx context.Context, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func sampleJob() domain.Job {
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	started := now.Add(time.Minute)
	return domain.Job{
		ID:            "job-1",
		ShopID:        "shop-1",
		JobCardNumber: "JC-20250301-0001",
		Customer:      domain.Customer{Name: "Ana", Phone: "555", Vehicle: domain.Vehicle{Plate: "ABC-123"}},
		Status:        domain.JobInProgress,
		Items: []domain.JobItem{{
			ID:                "item-1",
			JobID:             "job-1",
			Description:       "Brakes",
			Priority:          domain.PriorityHigh,
			LaborCategory:     "general",
			LaborRate:         decimal.NewFromInt(40),
			EstimatedManHours: decimal.RequireFromString("1.5"),
			WorkersAllowed:    2,
			EstimatedPrice:    decimal.NewFromInt(60),
			Status:            domain.ItemRunning,
			Workers: []domain.WorkerAssignment{{
				ID: "a-1", WorkerID: "w1", HourlyRate: decimal.NewFromInt(40),
				Timer: domain.Timer{StartTime: &started, RunningSince: &started, AccumulatedMS: 1500},
			}},
		}},
		EstimatedTotal: decimal.NewFromInt(60),
		ActualTotal:    decimal.RequireFromString("0.0167"),
		CreatedBy:      "est",
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
}

func TestJobRoundTrip(t *testing.T) {
	r, ctx := newRepo(t)
	job := sampleJob()
	require.NoError(t, inTx(t, r, ctx, func(tx *sql.Tx) error { return r.InsertJob(ctx, tx, job) }))

	got, err := r.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.JobCardNumber, got.JobCardNumber)
	assert.Equal(t, job.Customer, got.Customer)
	assert.True(t, job.ActualTotal.Equal(got.ActualTotal))
	assert.True(t, job.CreatedAt.Equal(got.CreatedAt))
	require.Len(t, got.Items, 1)
	w := got.Items[0].Workers[0]
	assert.Equal(t, int64(1500), w.AccumulatedMS)
	require.NotNil(t, w.RunningSince)
	assert.True(t, w.RunningSince.Equal(*job.Items[0].Workers[0].RunningSince))
	assert.Nil(t, w.EndTime)

	_, err = r.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateJobChecksVersion(t *testing.T) {
	r, ctx := newRepo(t)
	job := sampleJob()
	require.NoError(t, inTx(t, r, ctx, func(tx *sql.Tx) error { return r.InsertJob(ctx, tx, job) }))

	job.Status = domain.JobCompleted
	require.NoError(t, inTx(t, r, ctx, func(tx *sql.Tx) error { return r.UpdateJob(ctx, tx, &job, 1) }))
	assert.Equal(t, int64(2), job.Version)

	stale := job
	err := inTx(t, r, ctx, func(tx *sql.Tx) error { return r.UpdateJob(ctx, tx, &stale, 1) })
	assert.ErrorIs(t, err, domain.ErrConflict)

	ghost := sampleJob()
	ghost.ID = "ghost"
	err = inTx(t, r, ctx, func(tx *sql.Tx) error { return r.UpdateJob(ctx, tx, &ghost, 1) })
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := r.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func TestListJobsFiltersAndPages(t *testing.T) {
	r, ctx := newRepo(t)
	base := sampleJob()
	for i, status := range []domain.JobStatus{domain.JobWaiting, domain.JobPending, domain.JobPending} {
		j := base
		j.ID = []string{"j1", "j2", "j3"}[i]
		j.JobCardNumber = "JC-" + j.ID
		j.Status = status
		j.CreatedAt = base.CreatedAt.Add(time.Duration(i) * time.Minute)
		require.NoError(t, inTx(t, r, ctx, func(tx *sql.Tx) error { return r.InsertJob(ctx, tx, j) }))
	}

	all, err := r.ListJobs(ctx, repo.JobFilters{ShopID: "shop-1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "j3", all[0].ID)

	pending, err := r.ListJobs(ctx, repo.JobFilters{ShopID: "shop-1", Status: "pending", Limit: 1})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "j3", pending[0].ID)

	next, err := r.ListJobs(ctx, repo.JobFilters{ShopID: "shop-1", Status: "pending", CursorCreatedAt: repo.FormatTS(pending[0].CreatedAt), CursorID: pending[0].ID})
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "j2", next[0].ID)

	counts, err := r.CountJobsByStatus(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts["pending"])
	assert.Equal(t, 1, counts["waiting"])
}

func TestNextCounterIsPerShopAndName(t *testing.T) {
	r, ctx := newRepo(t)
	for want := int64(1); want <= 3; want++ {
		got, err := r.NextCounter(ctx, nil, "shop-1", "job_card")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := r.NextCounter(ctx, nil, "shop-2", "job_card")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestRejectionsAreAppendOnly(t *testing.T) {
	r, ctx := newRepo(t)
	audit := domain.RejectionAudit{
		ID: "rej-1", JobID: "job-1", ShopID: "shop-1", Reason: "redo paint", RejectedBy: "qa",
		TS: time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC), JobSnapshot: `{"id":"job-1"}`,
	}
	require.NoError(t, inTx(t, r, ctx, func(tx *sql.Tx) error { return r.InsertRejection(ctx, tx, audit) }))

	_, err := r.DB.ExecContext(ctx, `UPDATE job_rejections SET reason='edited' WHERE id=?`, audit.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
	_, err = r.DB.ExecContext(ctx, `DELETE FROM job_rejections WHERE id=?`, audit.ID)
	require.Error(t, err)

	list, err := r.ListRejections(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "redo paint", list[0].Reason)
	assert.Equal(t, "", list[0].ItemID)
	assert.True(t, audit.TS.Equal(list[0].TS))
}

func TestShopConfigRoundTrip(t *testing.T) {
	r, ctx := newRepo(t)
	cfg := config.Default("shop-1")
	cfg.LaborCategories["general"] = config.Rate{HourlyRate: decimal.RequireFromString("42.50")}
	require.NoError(t, r.UpsertShopConfig(ctx, nil, "shop-1", cfg))

	got, err := r.GetShopConfig(ctx, "shop-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("42.5").Equal(got.LaborCategories["general"].HourlyRate))
	assert.Equal(t, "JC", got.Prefix())

	_, err = r.GetShopConfig(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAPIKeyLookup(t *testing.T) {
	r, ctx := newRepo(t)
	require.NoError(t, r.EnsureActor(ctx, nil, "terminal-1", "2025-03-01T08:00:00Z"))
	key := domain.APIKey{ID: "k1", ActorID: "terminal-1", Name: "bay 1", KeyHash: repo.HashAPIKey("jl_secret")}
	require.NoError(t, r.InsertAPIKey(ctx, nil, key))

	actor, err := r.ActorForAPIKey(ctx, " jl_secret ")
	require.NoError(t, err)
	assert.Equal(t, "terminal-1", actor)
	_, err = r.ActorForAPIKey(ctx, "jl_wrong")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.ErrorIs(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k2"}), domain.ErrInvalidRequest)
	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, "k1"), domain.ErrNotFound)
}

func TestEventsFilterAndCursor(t *testing.T) {
	r, ctx := newRepo(t)
	for _, typ := range []string{"job.created", "timer.started", "timer.stopped"} {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,shop_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
			"2025-03-01T08:00:00Z", typ, "shop-1", "job", "job-1", "est", "{}")
		require.NoError(t, err)
	}
	latest, err := r.LatestEvents(ctx, repo.EventFilters{ShopID: "shop-1"})
	require.NoError(t, err)
	require.Len(t, latest, 3)
	assert.Equal(t, "timer.stopped", latest[0].Type)

	timers, err := r.LatestEvents(ctx, repo.EventFilters{ShopID: "shop-1", Type: "timer.started"})
	require.NoError(t, err)
	require.Len(t, timers, 1)

	after, err := r.EventsAfter(ctx, 10, latest[2].ID, "shop-1")
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "timer.started", after[0].Type)

	last, err := r.LatestEventID(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, latest[0].ID, last)
}
