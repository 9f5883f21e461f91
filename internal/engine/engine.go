package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"jobline/internal/catalog"
	"jobline/internal/cost"
	"jobline/internal/domain"
	"jobline/internal/engine/auth"
	"jobline/internal/events"
	"jobline/internal/lifecycle"
	"jobline/internal/metrics"
	"jobline/internal/repo"
)

type Engine struct {
	DB *sql.DB
	// ReadDB serves list and view reads when set, so they do not queue
	// behind writes on DB.
	ReadDB    *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Auth      auth.Service
	Rates     catalog.RateResolver
	Directory catalog.Directory
	Metrics   *metrics.Collector
	Log       *zap.Logger
	Now       func() time.Time

	locks *keyedMutex
}

// New wires an engine over db with the database-backed catalog. Rates and
// Directory may be replaced afterwards to point at other collaborators.
func New(db *sql.DB, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	r := repo.Repo{DB: db}
	store := catalog.Store{Repo: r}
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{},
		Auth:      auth.Service{},
		Rates:     store,
		Directory: store,
		Log:       log,
		Now:       time.Now,
		locks:     newKeyedMutex(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// observe records latency and the error kind of one engine call.
func (e Engine) observe(op string, started time.Time, err error) {
	e.Metrics.ObserveOp(op, started, domain.KindOf(err))
	if err != nil {
		e.logger().Debug("engine op failed", zap.String("op", op), zap.String("kind", domain.KindOf(err)), zap.Error(err))
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

type pendingEvent struct {
	typ        string
	entityKind string
	entityID   string
	payload    events.EventPayload
}

// change collects what a job mutation did so the shared commit path can
// append events, log and count.
type change struct {
	events []pendingEvent
	timers []string
	noop   bool
}

func (c *change) emit(typ, entityKind, entityID string, payload events.EventPayload) {
	c.events = append(c.events, pendingEvent{typ: typ, entityKind: entityKind, entityID: entityID, payload: payload})
}

// mutateJob runs fn against the current job document under the job's lock
// and a write transaction. After fn returns, item statuses are re-derived,
// automatic job transitions are applied, cost caches are rebuilt from
// scratch and the document is written back with a version check.
func (e Engine) mutateJob(ctx context.Context, jobID, actorID, perm string, fn func(tx *sql.Tx, job *domain.Job, c *change) error) (domain.Job, error) {
	if jobID == "" {
		return domain.Job{}, invalid("job id required")
	}
	if actorID == "" {
		return domain.Job{}, invalid("actor id required")
	}
	unlock := e.locks.lock(jobID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	job, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if err := e.Auth.Require(ctx, tx, job.ShopID, actorID, perm); err != nil {
		return domain.Job{}, err
	}
	version := job.Version
	before := job.Status
	var c change
	if err := fn(tx, &job, &c); err != nil {
		return domain.Job{}, err
	}
	if c.noop {
		return job, nil
	}

	now := e.now()
	for _, itemID := range lifecycle.Refresh(&job) {
		it, _ := job.Item(itemID)
		c.emit(events.ItemStatusChanged, "item", itemID, events.EventPayload{"job_id": job.ID, "status": it.Status})
	}
	if next := lifecycle.Reconcile(job.Status, job.Items); next != job.Status {
		if err := lifecycle.CheckTransition(job.Status, next); err != nil {
			return domain.Job{}, err
		}
		job.Status = next
	}
	if job.Status != before {
		c.emit(events.JobStatusChanged, "job", job.ID, events.EventPayload{"from": before, "to": job.Status})
	}
	cost.Apply(&job, now)
	job.UpdatedAt = now
	if err := e.Repo.UpdateJob(ctx, tx, &job, version); err != nil {
		return domain.Job{}, err
	}
	for _, ev := range c.events {
		if err := e.Events.Append(ctx, tx, ev.typ, job.ShopID, ev.entityKind, ev.entityID, actorID, ev.payload); err != nil {
			return domain.Job{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}

	for _, action := range c.timers {
		e.Metrics.RecordTimer(action)
	}
	if job.Status != before {
		e.Metrics.RecordJobTransition(string(job.Status))
		e.logger().Info("job status changed",
			zap.String("job_id", job.ID),
			zap.String("job_card", job.JobCardNumber),
			zap.String("from", string(before)),
			zap.String("to", string(job.Status)),
			zap.String("actor_id", actorID))
	}
	return job, nil
}

// readTx runs fn in a transaction that is always rolled back, giving a
// consistent snapshot for permission checks and reads.
func (e Engine) readTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.readDB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

func (e Engine) readDB() *sql.DB {
	if e.ReadDB != nil {
		return e.ReadDB
	}
	return e.DB
}

func (e Engine) readRepo() repo.Repo {
	if e.ReadDB != nil {
		return repo.Repo{DB: e.ReadDB}
	}
	return e.Repo
}

// jobShop looks up the shop a job belongs to without holding a transaction,
// so collaborator lookups can run before the write starts.
func (e Engine) jobShop(ctx context.Context, jobID string) (string, error) {
	if jobID == "" {
		return "", invalid("job id required")
	}
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.ShopID, nil
}
